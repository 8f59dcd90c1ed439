package usercontext

import (
	"sort"
	"strings"
	"time"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/condition"
	"github.com/abhisek/focuscoach/internal/methodology"
)

// Usage holds the counters of one methodology.
type Usage struct {
	Sessions          int
	CompletedSessions int
	FocusMinutes      float64
	LastSessionEnd    time.Time
	LastCompletedAt   time.Time
}

// CompletionRate returns completed/total sessions, or 0 with no sessions.
func (u Usage) CompletionRate() float64 {
	if u.Sessions == 0 {
		return 0
	}
	return float64(u.CompletedSessions) / float64(u.Sessions)
}

// Totals holds aggregates across every methodology.
type Totals struct {
	Sessions                int
	CompletedSessions       int
	SessionsToday           int
	FocusMinutes            float64
	FocusMinutesToday       float64
	FocusMinutesWeek        float64
	FocusMinutesTrailingAvg float64
	TasksCompletedToday     int
	TasksOpen               int
}

// QuietHours is a local minute-of-day window in which low-priority
// notifications are held back.
type QuietHours struct {
	Enabled bool
	Start   int
	End     int
}

// UserContext is an immutable snapshot of one user's state for a single
// evaluation cycle. All accessors return copies.
type UserContext struct {
	userID  string
	now     time.Time
	current methodology.Methodology

	usage    map[methodology.Methodology]Usage
	totals   Totals
	progress map[methodology.Methodology]methodology.Progress

	streak            int
	lastSessionEnd    time.Time
	lastTaskCompleted time.Time
	lastFired         map[string]time.Time

	quiet    QuietHours
	prefs    map[channel.Tier]channel.Channel
	disabled map[channel.Channel]bool
}

var _ condition.Fields = UserContext{}

func (c UserContext) UserID() string { return c.userID }
func (c UserContext) Now() time.Time { return c.now }
func (c UserContext) Location() *time.Location { return c.now.Location() }
func (c UserContext) Current() methodology.Methodology { return c.current }
func (c UserContext) Totals() Totals { return c.totals }
func (c UserContext) Streak() int { return c.streak }
func (c UserContext) QuietHours() QuietHours { return c.quiet }
func (c UserContext) Usage(m methodology.Methodology) Usage { return c.usage[m] }
func (c UserContext) MinuteOfDay() int { return c.now.Hour()*60 + c.now.Minute() }
func (c UserContext) Weekday() time.Weekday { return c.now.Weekday() }
func (c UserContext) LastFired(triggerID string) time.Time { return c.lastFired[triggerID] }
func (c UserContext) ChannelDisabled(ch channel.Channel) bool { return c.disabled[ch] }

// WithProgress returns a copy of c whose unlock records are replaced by
// progress. c itself is unchanged.
func (c UserContext) WithProgress(progress map[methodology.Methodology]methodology.Progress) UserContext {
	out := c
	out.progress = make(map[methodology.Methodology]methodology.Progress, len(progress))
	for m, p := range progress {
		out.progress[m] = p.Clone()
	}
	return out
}

// DayKey returns the local calendar day of now as YYYY-MM-DD.
func (c UserContext) DayKey() string {
	return c.now.Format(time.DateOnly)
}

// DayBounds returns the local [start, end) of the current day.
func (c UserContext) DayBounds() (time.Time, time.Time) {
	start := startOfDay(c.now)
	return start, start.AddDate(0, 0, 1)
}

// Progress returns a copy of the unlock record for m. Unknown methodologies
// are reported as locked.
func (c UserContext) Progress(m methodology.Methodology) methodology.Progress {
	if p, ok := c.progress[m]; ok {
		return p.Clone()
	}
	return methodology.Progress{Methodology: m, State: methodology.StateLocked}
}

// State returns the effective unlock state of m.
func (c UserContext) State(m methodology.Methodology) methodology.State {
	return c.Progress(m).Effective()
}

// UnlockedAt returns when m was unlocked, or the zero time.
func (c UserContext) UnlockedAt(m methodology.Methodology) time.Time {
	if c.State(m) < methodology.StateUnlocked {
		return time.Time{}
	}
	return c.progress[m].UnlockedAt
}

// UnlockedMethodologies returns methodologies whose effective state is at
// least unlocked, in catalog order.
func (c UserContext) UnlockedMethodologies() []methodology.Methodology {
	var out []methodology.Methodology
	for _, m := range methodology.All() {
		if c.State(m) >= methodology.StateUnlocked {
			out = append(out, m)
		}
	}
	return out
}

// PreferredChannel returns the user's channel for a priority tier.
func (c UserContext) PreferredChannel(t channel.Tier) (channel.Channel, bool) {
	ch, ok := c.prefs[t]
	return ch, ok
}

// InQuietHours reports whether now falls inside the quiet-hours window.
func (c UserContext) InQuietHours() bool {
	if !c.quiet.Enabled {
		return false
	}
	return condition.InWindow(c.MinuteOfDay(), c.quiet.Start, c.quiet.End)
}

// QuietEndsAt returns the next instant at or after now when quiet hours end.
func (c UserContext) QuietEndsAt() time.Time {
	end := startOfDay(c.now).Add(time.Duration(c.quiet.End) * time.Minute)
	if !end.After(c.now) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// TriggerIDsFired returns the ids with a recorded last firing, sorted.
func (c UserContext) TriggerIDsFired() []string {
	ids := make([]string, 0, len(c.lastFired))
	for id := range c.lastFired {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Number resolves a numeric field by name. Unqualified usage fields refer
// to the current methodology; qualified ones take a ".<methodology>" suffix.
func (c UserContext) Number(name string) (float64, bool) {
	if base, qual, ok := strings.Cut(name, "."); ok {
		m := methodology.Methodology(qual)
		if !m.IsValid() {
			return 0, false
		}
		return c.methodologyNumber(base, m)
	}

	switch name {
	case "total_sessions":
		return float64(c.totals.Sessions), true
	case "total_completed_sessions":
		return float64(c.totals.CompletedSessions), true
	case "sessions_today":
		return float64(c.totals.SessionsToday), true
	case "total_focus_minutes":
		return c.totals.FocusMinutes, true
	case "focus_minutes_today":
		return c.totals.FocusMinutesToday, true
	case "focus_minutes_week":
		return c.totals.FocusMinutesWeek, true
	case "focus_minutes_trailing_avg":
		return c.totals.FocusMinutesTrailingAvg, true
	case "tasks_completed_today":
		return float64(c.totals.TasksCompletedToday), true
	case "tasks_open":
		return float64(c.totals.TasksOpen), true
	case "streak":
		return float64(c.streak), true
	case "next_streak_milestone":
		return float64(NextStreakMilestone(c.streak)), true
	case "at_streak_milestone":
		if IsStreakMilestone(c.streak) {
			return 1, true
		}
		return 0, true
	case "unlocked_count":
		return float64(len(c.UnlockedMethodologies())), true
	case "hour":
		return float64(c.now.Hour()), true
	case "minute_of_day":
		return float64(c.MinuteOfDay()), true
	case "weekday":
		return float64(c.now.Weekday()), true
	}

	if c.current == "" {
		return 0, false
	}
	return c.methodologyNumber(name, c.current)
}

func (c UserContext) methodologyNumber(base string, m methodology.Methodology) (float64, bool) {
	u := c.usage[m]
	switch base {
	case "sessions":
		return float64(u.Sessions), true
	case "completed_sessions":
		return float64(u.CompletedSessions), true
	case "focus_minutes":
		return u.FocusMinutes, true
	case "completion_rate":
		return u.CompletionRate(), true
	case "state":
		return float64(c.State(m)), true
	}
	return 0, false
}

// Time resolves a timestamp field by name. A zero or absent timestamp
// reports false.
func (c UserContext) Time(name string) (time.Time, bool) {
	var ts time.Time
	base, qual, qualified := strings.Cut(name, ".")
	switch {
	case name == "last_session_end":
		ts = c.lastSessionEnd
	case name == "last_task_completed":
		ts = c.lastTaskCompleted
	case qualified && base == "last_fired":
		ts = c.lastFired[qual]
	case qualified && base == "last_session_end":
		m := methodology.Methodology(qual)
		if !m.IsValid() {
			return time.Time{}, false
		}
		ts = c.usage[m].LastSessionEnd
	case qualified && base == "unlocked_at":
		ts = c.UnlockedAt(methodology.Methodology(qual))
	default:
		return time.Time{}, false
	}
	return ts, !ts.IsZero()
}

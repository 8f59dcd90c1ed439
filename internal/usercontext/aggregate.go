package usercontext

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/condition"
	"github.com/abhisek/focuscoach/internal/methodology"
)

// ErrContextUnavailable means the snapshot could not be built from complete
// upstream data. Callers skip the user's cycle instead of evaluating a
// partial context.
var ErrContextUnavailable = errors.New("user context unavailable")

const (
	weekWindow     = 7 * 24 * time.Hour
	trailingWeeks  = 4
	trailingWindow = trailingWeeks * weekWindow
)

// Aggregator builds UserContext snapshots from its collaborators.
type Aggregator struct {
	source   SignalSource
	progress ProgressReader
	firings  FiringReader
}

// NewAggregator creates an Aggregator. firings may be nil.
func NewAggregator(source SignalSource, progress ProgressReader, firings FiringReader) *Aggregator {
	return &Aggregator{source: source, progress: progress, firings: firings}
}

// Build reads every upstream signal for userID and returns its snapshot.
func (a *Aggregator) Build(ctx context.Context, userID string, now time.Time) (UserContext, error) {
	raw, err := a.source.Signals(ctx, userID, now)
	if err != nil {
		return UserContext{}, fmt.Errorf("%w: read signals for %s: %v", ErrContextUnavailable, userID, err)
	}
	progress, err := a.progress.Progress(ctx, userID)
	if err != nil {
		return UserContext{}, fmt.Errorf("%w: read progress for %s: %v", ErrContextUnavailable, userID, err)
	}
	var lastFired map[string]time.Time
	if a.firings != nil {
		lastFired, err = a.firings.LastFiredByTrigger(ctx, userID)
		if err != nil {
			return UserContext{}, fmt.Errorf("%w: read firings for %s: %v", ErrContextUnavailable, userID, err)
		}
	}
	return FromSignals(raw, progress, lastFired, now)
}

// FromSignals is the pure transformation behind Build: identical inputs
// always yield an identical snapshot. Inputs are copied, never retained.
func FromSignals(raw *Signals, progress map[methodology.Methodology]methodology.Progress, lastFired map[string]time.Time, now time.Time) (UserContext, error) {
	if raw == nil || raw.Profile == nil {
		return UserContext{}, fmt.Errorf("%w: missing profile", ErrContextUnavailable)
	}
	if raw.UserID == "" {
		return UserContext{}, fmt.Errorf("%w: missing user id", ErrContextUnavailable)
	}
	p := raw.Profile

	loc := time.UTC
	if p.TimeZone != "" {
		l, err := time.LoadLocation(p.TimeZone)
		if err != nil {
			return UserContext{}, fmt.Errorf("%w: time zone %q: %v", ErrContextUnavailable, p.TimeZone, err)
		}
		loc = l
	}
	now = now.In(loc)

	if p.CurrentMethodology != "" && !p.CurrentMethodology.IsValid() {
		return UserContext{}, fmt.Errorf("%w: current methodology %q", ErrContextUnavailable, p.CurrentMethodology)
	}

	uc := UserContext{
		userID:    raw.UserID,
		now:       now,
		current:   p.CurrentMethodology,
		usage:     make(map[methodology.Methodology]Usage),
		progress:  make(map[methodology.Methodology]methodology.Progress, len(progress)),
		lastFired: make(map[string]time.Time, len(lastFired)),
		prefs:     make(map[channel.Tier]channel.Channel),
		disabled:  make(map[channel.Channel]bool),
	}

	for m, pr := range progress {
		uc.progress[m] = pr.Clone()
	}
	for id, ts := range lastFired {
		uc.lastFired[id] = ts
	}

	aggregateSessions(&uc, raw.Sessions)
	aggregateTasks(&uc, raw.Tasks)

	if raw.Streak != nil {
		uc.streak = *raw.Streak
	} else {
		uc.streak = streakFromSessions(raw.Sessions, now)
	}

	if p.QuietStart != "" || p.QuietEnd != "" {
		start, err := condition.ParseClock(p.QuietStart)
		if err != nil {
			return UserContext{}, fmt.Errorf("%w: quiet start: %v", ErrContextUnavailable, err)
		}
		end, err := condition.ParseClock(p.QuietEnd)
		if err != nil {
			return UserContext{}, fmt.Errorf("%w: quiet end: %v", ErrContextUnavailable, err)
		}
		uc.quiet = QuietHours{Enabled: start != end, Start: start, End: end}
	}

	for tier, ch := range p.ChannelPrefs {
		t, err := channel.ParseTier(tier)
		if err != nil {
			continue
		}
		c, err := channel.Parse(ch)
		if err != nil {
			continue
		}
		uc.prefs[t] = c
	}
	for _, ch := range p.DisabledChannels {
		if c, err := channel.Parse(ch); err == nil {
			uc.disabled[c] = true
		}
	}

	return uc, nil
}

func aggregateSessions(uc *UserContext, sessions []Session) {
	dayStart := startOfDay(uc.now)
	weekStart := uc.now.Add(-weekWindow)
	trailingStart := weekStart.Add(-trailingWindow)
	var trailing float64

	for _, s := range sessions {
		if s.EndedAt.After(uc.now) {
			continue // in progress or clock skew
		}
		u := uc.usage[s.Methodology]
		u.Sessions++
		u.FocusMinutes += s.FocusMinutes
		if s.Completed {
			u.CompletedSessions++
			if s.EndedAt.After(u.LastCompletedAt) {
				u.LastCompletedAt = s.EndedAt
			}
		}
		if s.EndedAt.After(u.LastSessionEnd) {
			u.LastSessionEnd = s.EndedAt
		}
		uc.usage[s.Methodology] = u

		uc.totals.Sessions++
		uc.totals.FocusMinutes += s.FocusMinutes
		if s.Completed {
			uc.totals.CompletedSessions++
		}
		if s.EndedAt.After(uc.lastSessionEnd) {
			uc.lastSessionEnd = s.EndedAt
		}
		if !s.EndedAt.Before(dayStart) {
			uc.totals.SessionsToday++
			uc.totals.FocusMinutesToday += s.FocusMinutes
		}
		switch {
		case s.EndedAt.After(weekStart):
			uc.totals.FocusMinutesWeek += s.FocusMinutes
		case s.EndedAt.After(trailingStart):
			trailing += s.FocusMinutes
		}
	}
	uc.totals.FocusMinutesTrailingAvg = trailing / trailingWeeks
}

func aggregateTasks(uc *UserContext, tasks []Task) {
	dayStart := startOfDay(uc.now)
	for _, t := range tasks {
		if t.CompletedAt.IsZero() || t.CompletedAt.After(uc.now) {
			uc.totals.TasksOpen++
			continue
		}
		if !t.CompletedAt.Before(dayStart) {
			uc.totals.TasksCompletedToday++
		}
		if t.CompletedAt.After(uc.lastTaskCompleted) {
			uc.lastTaskCompleted = t.CompletedAt
		}
	}
}

// streakFromSessions counts consecutive local days with a completed session,
// ending today or yesterday.
func streakFromSessions(sessions []Session, now time.Time) int {
	days := make(map[string]bool)
	for _, s := range sessions {
		if s.Completed && !s.EndedAt.After(now) {
			days[s.EndedAt.In(now.Location()).Format(time.DateOnly)] = true
		}
	}
	day := startOfDay(now)
	if !days[day.Format(time.DateOnly)] {
		day = day.AddDate(0, 0, -1)
	}
	streak := 0
	for days[day.Format(time.DateOnly)] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

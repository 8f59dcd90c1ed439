package usercontext

import (
	"context"
	"time"

	"github.com/abhisek/focuscoach/internal/methodology"
)

// Session is one focus session read from the activity history.
type Session struct {
	Methodology  methodology.Methodology `json:"methodology"`
	StartedAt    time.Time               `json:"started_at"`
	EndedAt      time.Time               `json:"ended_at"`
	FocusMinutes float64                 `json:"focus_minutes"`
	Completed    bool                    `json:"completed"`
}

// Task is one task from the user's task list. A zero CompletedAt means the
// task is still open.
type Task struct {
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Profile carries the user's settings.
type Profile struct {
	TimeZone           string                  `json:"time_zone"`
	CurrentMethodology methodology.Methodology `json:"current_methodology"`

	// QuietStart and QuietEnd are local "HH:MM" clocks; both empty disables
	// quiet hours.
	QuietStart string `json:"quiet_start,omitempty"`
	QuietEnd   string `json:"quiet_end,omitempty"`

	// ChannelPrefs maps a priority tier ("high", "normal", "low") to a
	// channel name.
	ChannelPrefs     map[string]string `json:"channel_prefs,omitempty"`
	DisabledChannels []string          `json:"disabled_channels,omitempty"`
}

// Signals is everything the aggregator reads for one user.
type Signals struct {
	UserID   string    `json:"user_id"`
	Profile  *Profile  `json:"profile"`
	Sessions []Session `json:"sessions"`
	Tasks    []Task    `json:"tasks"`

	// Streak is the upstream streak counter in days. When nil the streak
	// is derived from completed sessions.
	Streak *int `json:"streak,omitempty"`
}

// SignalSource reads raw activity signals for a user.
type SignalSource interface {
	Signals(ctx context.Context, userID string, now time.Time) (*Signals, error)
}

// ProgressReader reads a user's unlock progress.
type ProgressReader interface {
	Progress(ctx context.Context, userID string) (map[methodology.Methodology]methodology.Progress, error)
}

// FiringReader reads the last firing time of every trigger for a user.
type FiringReader interface {
	LastFiredByTrigger(ctx context.Context, userID string) (map[string]time.Time, error)
}

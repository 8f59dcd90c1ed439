package unlock

import (
	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/methodology"
)

// Threshold is the usage, summed across every methodology, a user needs
// before a methodology becomes eligible.
type Threshold struct {
	CompletedSessions int
	FocusMinutes      float64
}

// Config holds unlock engine parameters.
type Config struct {
	Thresholds map[methodology.Methodology]Threshold

	// AnnouncePriority is the floor for announcement priority; the engine
	// always raises it above every regular candidate of the cycle.
	AnnouncePriority int
	AnnounceChannel  channel.Channel
}

// DefaultConfig returns the standard unlock ladder.
func DefaultConfig() Config {
	return Config{
		Thresholds: map[methodology.Methodology]Threshold{
			methodology.Pomodoro:     {},
			methodology.Eisenhower:   {CompletedSessions: 3},
			methodology.TimeBlocking: {CompletedSessions: 5},
			methodology.EatTheFrog:   {CompletedSessions: 8},
			methodology.GTD:          {CompletedSessions: 12},
			methodology.Kanban:       {CompletedSessions: 15},
			methodology.Pareto:       {CompletedSessions: 20},
			methodology.Flowtime:     {CompletedSessions: 25, FocusMinutes: 500},
			methodology.DeepWork:     {CompletedSessions: 30, FocusMinutes: 900},
			methodology.IvyLee:       {CompletedSessions: 40},
		},
		AnnouncePriority: 100,
		AnnounceChannel:  channel.Push,
	}
}

// threshold returns the gate for m. Methodologies missing from the config
// never become eligible on their own.
func (c Config) threshold(m methodology.Methodology) (Threshold, bool) {
	t, ok := c.Thresholds[m]
	return t, ok
}

package engine

// Config bounds how much one user is notified and how sweeps fan out.
type Config struct {
	// PerCycle is the most firings one cycle may select.
	PerCycle int
	// DailyCap is the most firings a user may receive per local day.
	DailyCap int
	// SweepConcurrency is how many users a sweep evaluates at once.
	SweepConcurrency int
	// ConflictRetries is how many times a cycle is re-run after losing a
	// ledger reservation to a concurrent writer.
	ConflictRetries int
}

func DefaultConfig() Config {
	return Config{
		PerCycle:         2,
		DailyCap:         6,
		SweepConcurrency: 8,
		ConflictRetries:  1,
	}
}

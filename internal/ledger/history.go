package ledger

import "time"

// History is a read-only view of one user's firings for the cooldown and
// cap checks of a cycle.
type History struct {
	lastFired  map[string]time.Time
	countToday map[string]int
	usedToday  int
}

// NewHistory builds a History from raw records. Only records on dayKey
// count toward today's totals.
func NewHistory(records []Firing, dayKey string) History {
	h := History{
		lastFired:  make(map[string]time.Time),
		countToday: make(map[string]int),
	}
	for _, r := range records {
		if r.FiredAt.After(h.lastFired[r.TriggerID]) {
			h.lastFired[r.TriggerID] = r.FiredAt
		}
		if r.DayKey == dayKey {
			h.countToday[r.TriggerID]++
			h.usedToday++
		}
	}
	return h
}

// HistoryFromCounts builds a History from pre-aggregated values.
func HistoryFromCounts(lastFired map[string]time.Time, countToday map[string]int) History {
	h := History{
		lastFired:  make(map[string]time.Time, len(lastFired)),
		countToday: make(map[string]int, len(countToday)),
	}
	for k, v := range lastFired {
		h.lastFired[k] = v
	}
	for k, v := range countToday {
		h.countToday[k] = v
		h.usedToday += v
	}
	return h
}

// LastFiredAt returns the most recent firing of triggerID.
func (h History) LastFiredAt(triggerID string) (time.Time, bool) {
	t, ok := h.lastFired[triggerID]
	return t, ok
}

// CountToday returns the number of firings of triggerID today.
func (h History) CountToday(triggerID string) int {
	return h.countToday[triggerID]
}

// UsedToday returns the number of firings of any trigger today.
func (h History) UsedToday() int {
	return h.usedToday
}

// LastFired returns a copy of the per-trigger last firing times.
func (h History) LastFired() map[string]time.Time {
	out := make(map[string]time.Time, len(h.lastFired))
	for k, v := range h.lastFired {
		out[k] = v
	}
	return out
}

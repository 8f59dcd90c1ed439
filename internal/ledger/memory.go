package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abhisek/focuscoach/internal/channel"
)

// Memory is an in-process Store. All operations hold a single lock, which
// makes Reserve trivially atomic.
type Memory struct {
	mu       sync.Mutex
	firings  map[string]Firing
	attempts map[string][]Attempt
	seq      int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		firings:  make(map[string]Firing),
		attempts: make(map[string][]Attempt),
	}
}

func (m *Memory) Snapshot(_ context.Context, userID, dayKey string) (History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []Firing
	for _, f := range m.firings {
		if f.UserID == userID {
			recs = append(recs, f)
		}
	}
	return NewHistory(recs, dayKey), nil
}

func (m *Memory) LastFiredAt(_ context.Context, userID, triggerID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last time.Time
	found := false
	for _, f := range m.firings {
		if f.UserID == userID && f.TriggerID == triggerID && (!found || f.FiredAt.After(last)) {
			last, found = f.FiredAt, true
		}
	}
	return last, found, nil
}

func (m *Memory) CountToday(_ context.Context, userID, triggerID, dayKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.firings {
		if f.UserID == userID && f.TriggerID == triggerID && f.DayKey == dayKey {
			n++
		}
	}
	return n, nil
}

func (m *Memory) LastFiredByTrigger(_ context.Context, userID string) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time)
	for _, f := range m.firings {
		if f.UserID == userID && f.FiredAt.After(out[f.TriggerID]) {
			out[f.TriggerID] = f.FiredAt
		}
	}
	return out, nil
}

func (m *Memory) Reserve(_ context.Context, req ReserveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nf := req.Firing
	conflict := func(reason string) error {
		return &ConflictError{UserID: nf.UserID, TriggerID: nf.TriggerID, Reason: reason}
	}
	if _, ok := m.firings[nf.ID]; ok {
		return conflict("duplicate firing id")
	}

	perTrigger, perUser := 0, 0
	for _, f := range m.firings {
		if f.UserID != nf.UserID {
			continue
		}
		if f.DayKey == nf.DayKey {
			perUser++
		}
		if f.TriggerID != nf.TriggerID {
			continue
		}
		if f.DayKey == nf.DayKey {
			perTrigger++
		}
		if withinCooldown(f.FiredAt, nf.FiredAt, req.Cooldown) {
			return conflict("cooldown")
		}
	}
	if req.MaxPerDay > 0 && perTrigger >= req.MaxPerDay {
		return conflict("trigger daily cap")
	}
	if req.DailyCap > 0 && perUser >= req.DailyCap {
		return conflict("user daily cap")
	}

	if nf.Status == "" {
		nf.Status = StatusPending
	}
	nf.UpdatedAt = nf.FiredAt
	m.firings[nf.ID] = nf
	return nil
}

// withinCooldown reports whether two firing times are closer than cooldown.
func withinCooldown(a, b time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < cooldown
}

func (m *Memory) UpdateStatus(_ context.Context, id string, to Status, ch channel.Channel, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.firings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	noop, err := CheckTransition(id, f.Status, to)
	if err != nil || noop {
		return err
	}
	f.Status = to
	if ch != "" {
		f.Channel = ch
	}
	f.UpdatedAt = at
	m.firings[id] = f
	return nil
}

func (m *Memory) Defer(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.firings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if f.Status != StatusPending {
		return fmt.Errorf("%w: defer firing %s in status %s", ErrInvalidTransition, id, f.Status)
	}
	f.DeliverAfter = until
	m.firings[id] = f
	return nil
}

func (m *Memory) AppendAttempt(_ context.Context, a Attempt) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.firings[a.FiringID]; !ok {
		return Attempt{}, fmt.Errorf("%w: %s", ErrNotFound, a.FiringID)
	}
	m.seq++
	a.Seq = m.seq
	m.attempts[a.FiringID] = append(m.attempts[a.FiringID], a)
	return a, nil
}

func (m *Memory) Get(_ context.Context, id string) (Firing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.firings[id]
	if !ok {
		return Firing{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, nil
}

func (m *Memory) Attempts(_ context.Context, firingID string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.attempts[firingID]))
	copy(out, m.attempts[firingID])
	return out, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]Firing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Firing
	for _, rec := range m.firings {
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) DuePending(_ context.Context, now time.Time) ([]Firing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Firing
	for _, f := range m.firings {
		if f.Status == StatusPending && !f.DeliverAfter.After(now) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].FiredAt.Before(out[j].FiredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortNewestFirst(fs []Firing) {
	sort.Slice(fs, func(i, j int) bool {
		if !fs[i].FiredAt.Equal(fs[j].FiredAt) {
			return fs[i].FiredAt.After(fs[j].FiredAt)
		}
		return fs[i].ID > fs[j].ID
	})
}

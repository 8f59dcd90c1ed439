package unlock

import (
	"context"
	"sync"
	"time"

	"github.com/abhisek/focuscoach/internal/methodology"
)

// ProgressStore persists unlock records. The engine is its only writer.
type ProgressStore interface {
	Progress(ctx context.Context, userID string) (map[methodology.Methodology]methodology.Progress, error)

	// Advance sets (userID, m) to state to, stamping the timestamp of to
	// with at, only if the stored state still equals from. It reports
	// whether the write was applied.
	Advance(ctx context.Context, userID string, m methodology.Methodology, from, to methodology.State, at time.Time) (bool, error)

	// MarkAnnounced records that the announcement for state s (and every
	// lower state) has been reserved.
	MarkAnnounced(ctx context.Context, userID string, m methodology.Methodology, s methodology.State) error
}

// MemoryStore is an in-process ProgressStore.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]map[methodology.Methodology]methodology.Progress
}

var _ ProgressStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]map[methodology.Methodology]methodology.Progress)}
}

func (s *MemoryStore) Progress(_ context.Context, userID string) (map[methodology.Methodology]methodology.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[methodology.Methodology]methodology.Progress, len(s.users[userID]))
	for m, p := range s.users[userID] {
		out[m] = p.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Advance(_ context.Context, userID string, m methodology.Methodology, from, to methodology.State, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.users[userID]
	if recs == nil {
		recs = make(map[methodology.Methodology]methodology.Progress)
		s.users[userID] = recs
	}
	p, ok := recs[m]
	if !ok {
		p = methodology.Progress{Methodology: m, State: methodology.StateLocked}
	}
	if p.State != from {
		return false, nil
	}
	recs[m] = Stamp(p, to, at)
	return true, nil
}

func (s *MemoryStore) MarkAnnounced(_ context.Context, userID string, m methodology.Methodology, st methodology.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.users[userID]
	if recs == nil {
		recs = make(map[methodology.Methodology]methodology.Progress)
		s.users[userID] = recs
	}
	p, ok := recs[m]
	if !ok {
		p = methodology.Progress{Methodology: m, State: methodology.StateLocked}
	}
	recs[m] = WithAnnounced(p, st)
	return nil
}

// Stamp moves p to state to and records the transition time.
func Stamp(p methodology.Progress, to methodology.State, at time.Time) methodology.Progress {
	p = p.Clone()
	p.State = to
	switch to {
	case methodology.StateEligible:
		p.EligibleAt = at
	case methodology.StateUnlocked:
		p.UnlockedAt = at
	case methodology.StateActive:
		p.ActivatedAt = at
	}
	return p
}

// WithAnnounced marks the announcements of st and every lower state.
func WithAnnounced(p methodology.Progress, st methodology.State) methodology.Progress {
	p = p.Clone()
	if p.Announced == nil {
		p.Announced = make(map[methodology.State]bool)
	}
	for s := methodology.StateEligible; s <= st; s++ {
		p.Announced[s] = true
	}
	return p
}

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abhisek/focuscoach/internal/delivery"
)

type memEntry struct {
	Entry
	owner string // consumer holding it, empty until read
	acked bool
}

type userQueue struct {
	entries []*memEntry
	byID    map[string]*memEntry // by firing id
	notify  chan struct{}        // closed and replaced on append
}

// Memory is an in-process Queue. It does not survive restarts.
type Memory struct {
	mu    sync.Mutex
	seq   int
	users map[string]*userQueue
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{users: make(map[string]*userQueue)}
}

func (m *Memory) user(userID string) *userQueue {
	q, ok := m.users[userID]
	if !ok {
		q = &userQueue{byID: make(map[string]*memEntry), notify: make(chan struct{})}
		m.users[userID] = q
	}
	return q
}

func (m *Memory) Append(_ context.Context, userID string, p delivery.Payload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.user(userID)
	if e, ok := q.byID[p.ID]; ok {
		return e.ID, nil
	}
	m.seq++
	e := &memEntry{Entry: Entry{ID: fmt.Sprintf("%d-0", m.seq), Payload: p}}
	q.entries = append(q.entries, e)
	q.byID[p.ID] = e
	close(q.notify)
	q.notify = make(chan struct{})
	return e.ID, nil
}

func (m *Memory) Pending(_ context.Context, userID, consumer string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.user(userID).entries {
		if e.owner == consumer && !e.acked {
			out = append(out, e.Entry)
		}
	}
	return out, nil
}

func (m *Memory) Read(ctx context.Context, userID, consumer string, block time.Duration) ([]Entry, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()
	for {
		m.mu.Lock()
		q := m.user(userID)
		var out []Entry
		for _, e := range q.entries {
			if e.owner == "" {
				e.owner = consumer
				out = append(out, e.Entry)
			}
		}
		notify := q.notify
		m.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

func (m *Memory) Ack(_ context.Context, userID, firingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.user(userID).byID[firingID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFiring, firingID)
	}
	if e.acked {
		return false, nil
	}
	e.acked = true
	return true, nil
}

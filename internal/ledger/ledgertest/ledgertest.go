// Package ledgertest holds the behaviour every ledger.Store must share.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
)

// T0 is the reference time of the contract.
var T0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// Firing builds a pending push firing for user u1.
func Firing(id, trigger string, at time.Time) ledger.Firing {
	return ledger.Firing{
		ID:          id,
		UserID:      "u1",
		TriggerID:   trigger,
		Methodology: methodology.Pomodoro,
		Priority:    10,
		FiredAt:     at,
		DayKey:      at.Format(time.DateOnly),
		Channel:     channel.Push,
		Title:       "title " + id,
		Body:        "body " + id,
	}
}

// Run exercises a fresh store from newStore against the ledger contract.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("ReserveCooldown", func(t *testing.T) { testCooldown(t, newStore(t)) })
	t.Run("ReserveCaps", func(t *testing.T) { testCaps(t, newStore(t)) })
	t.Run("ReserveDuplicateID", func(t *testing.T) { testDuplicateID(t, newStore(t)) })
	t.Run("ReserveConcurrentSingleWinner", func(t *testing.T) { testConcurrent(t, newStore(t)) })
	t.Run("Snapshot", func(t *testing.T) { testSnapshot(t, newStore(t)) })
	t.Run("UpdateStatus", func(t *testing.T) { testUpdateStatus(t, newStore(t)) })
	t.Run("AttemptsAndDuePending", func(t *testing.T) { testAttemptsAndDue(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
}

func testCooldown(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	req := func(id string, at time.Time) ledger.ReserveRequest {
		return ledger.ReserveRequest{Firing: Firing(id, "x", at), Cooldown: 4 * time.Hour}
	}

	require.NoError(t, s.Reserve(ctx, req("f1", T0)))

	err := s.Reserve(ctx, req("f2", T0.Add(time.Hour)))
	require.ErrorIs(t, err, ledger.ErrConflict)
	var ce *ledger.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "cooldown", ce.Reason)

	require.NoError(t, s.Reserve(ctx, req("f3", T0.Add(4*time.Hour+5*time.Minute))))

	last, ok, err := s.LastFiredAt(ctx, "u1", "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, T0.Add(4*time.Hour+5*time.Minute).Equal(last), "last fired %v", last)

	_, ok, err = s.LastFiredAt(ctx, "u1", "never")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testCaps(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("a1", "a", T0), MaxPerDay: 1}))
	err := s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("a2", "a", T0.Add(time.Hour)), MaxPerDay: 1})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("b1", "b", T0), DailyCap: 2}))
	err = s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("c1", "c", T0), DailyCap: 2})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	// A new day resets both caps.
	tomorrow := T0.Add(24 * time.Hour)
	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("a3", "a", tomorrow), MaxPerDay: 1, DailyCap: 2}))

	n, err := s.CountToday(ctx, "u1", "a", T0.Format(time.DateOnly))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testDuplicateID(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("f1", "x", T0)}))
	err := s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("f1", "y", T0)})
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func testConcurrent(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Reserve(ctx, ledger.ReserveRequest{
				Firing:   Firing(fmt.Sprintf("f%d", i), "x", T0.Add(time.Duration(i)*time.Second)),
				Cooldown: time.Hour,
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ledger.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testSnapshot(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	day := T0.Format(time.DateOnly)
	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("a", "x", T0.Add(-25*time.Hour))}))
	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("b", "x", T0)}))
	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("c", "y", T0.Add(time.Hour))}))
	other := Firing("d", "x", T0.Add(2*time.Hour))
	other.UserID = "u2"
	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: other}))

	h, err := s.Snapshot(ctx, "u1", day)
	require.NoError(t, err)
	last, ok := h.LastFiredAt("x")
	require.True(t, ok)
	assert.True(t, T0.Equal(last))
	assert.Equal(t, 1, h.CountToday("x"))
	assert.Equal(t, 2, h.UsedToday())

	byTrigger, err := s.LastFiredByTrigger(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, byTrigger, 2)
	assert.True(t, T0.Add(time.Hour).Equal(byTrigger["y"]))
}

func testUpdateStatus(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("f1", "x", T0)}))

	f, err := s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, f.Status)
	assert.Equal(t, "title f1", f.Title)
	assert.Equal(t, methodology.Pomodoro, f.Methodology)

	require.NoError(t, s.UpdateStatus(ctx, "f1", ledger.StatusSent, "", T0.Add(time.Second)))
	require.NoError(t, s.UpdateStatus(ctx, "f1", ledger.StatusDelivered, channel.Stream, T0.Add(2*time.Second)))
	// Repeated acks are no-ops.
	require.NoError(t, s.UpdateStatus(ctx, "f1", ledger.StatusDelivered, channel.Stream, T0.Add(3*time.Second)))

	err = s.UpdateStatus(ctx, "f1", ledger.StatusPending, "", T0)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	f, err = s.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDelivered, f.Status)
	assert.Equal(t, channel.Stream, f.Channel)
	assert.True(t, T0.Add(2*time.Second).Equal(f.UpdatedAt))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	err = s.UpdateStatus(ctx, "missing", ledger.StatusSent, "", T0)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testAttemptsAndDue(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("f1", "x", T0)}))
	require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing("f2", "y", T0.Add(time.Minute))}))
	require.NoError(t, s.Defer(ctx, "f2", T0.Add(time.Hour)))

	for i := 1; i <= 3; i++ {
		_, err := s.AppendAttempt(ctx, ledger.Attempt{FiringID: "f1", Channel: channel.Push, Number: i, Outcome: ledger.OutcomeTransient, Error: "503", At: T0})
		require.NoError(t, err)
	}
	atts, err := s.Attempts(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, atts, 3)
	assert.Less(t, atts[0].Seq, atts[2].Seq)
	assert.Equal(t, 3, atts[2].Number)
	assert.Equal(t, "503", atts[0].Error)

	_, err = s.AppendAttempt(ctx, ledger.Attempt{FiringID: "missing", Channel: channel.Push, Number: 1, Outcome: ledger.OutcomeOK, At: T0})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	due, err := s.DuePending(ctx, T0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "f1", due[0].ID)

	due, err = s.DuePending(ctx, T0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "f1", due[0].ID)

	require.NoError(t, s.UpdateStatus(ctx, "f1", ledger.StatusSent, channel.Push, T0))
	err = s.Defer(ctx, "f1", T0.Add(time.Hour))
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func testList(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for i, id := range []string{"f1", "f2", "f3"} {
		require.NoError(t, s.Reserve(ctx, ledger.ReserveRequest{Firing: Firing(id, id, T0.Add(time.Duration(i)*time.Minute))}))
	}
	require.NoError(t, s.UpdateStatus(ctx, "f2", ledger.StatusSent, "", T0))

	all, err := s.List(ctx, ledger.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "f3", all[0].ID)

	sent, err := s.List(ctx, ledger.Filter{Status: ledger.StatusSent})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "f2", sent[0].ID)

	limited, err := s.List(ctx, ledger.Filter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

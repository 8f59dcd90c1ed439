package unlock

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

var now = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func completed(m methodology.Methodology, endedAgo time.Duration, n int) []usercontext.Session {
	var out []usercontext.Session
	for i := 0; i < n; i++ {
		end := now.Add(-endedAgo - time.Duration(i)*time.Hour)
		out = append(out, usercontext.Session{Methodology: m, StartedAt: end.Add(-25 * time.Minute), EndedAt: end, FocusMinutes: 25, Completed: true})
	}
	return out
}

func snapshot(t *testing.T, store ProgressStore, sessions []usercontext.Session) usercontext.UserContext {
	t.Helper()
	progress, err := store.Progress(context.Background(), "u1")
	require.NoError(t, err)
	uc, err := usercontext.FromSignals(&usercontext.Signals{
		UserID:   "u1",
		Profile:  &usercontext.Profile{TimeZone: "UTC", CurrentMethodology: methodology.Pomodoro},
		Sessions: sessions,
	}, progress, nil, now)
	require.NoError(t, err)
	return uc
}

func newEngine() (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	return NewEngine(DefaultConfig(), store, zap.NewNop()), store
}

func TestScan_Eligibility(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine()

	// Four completed sessions cross the pomodoro (0) and eisenhower (3)
	// gates but not time blocking (5).
	sessions := completed(methodology.Pomodoro, time.Hour, 4)
	got, err := e.Scan(ctx, snapshot(t, store, sessions), now)
	require.NoError(t, err)

	var became []methodology.Methodology
	for _, tr := range got {
		assert.Equal(t, methodology.StateEligible, tr.To)
		became = append(became, tr.Methodology)
	}
	assert.Equal(t, []methodology.Methodology{methodology.Pomodoro, methodology.Eisenhower}, became)

	// A second scan over the same data changes nothing.
	got, err = e.Scan(ctx, snapshot(t, store, sessions), now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScan_ActivationNeedsSessionAfterUnlock(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine()

	old := completed(methodology.Pomodoro, 48*time.Hour, 1)
	_, err := e.Scan(ctx, snapshot(t, store, old), now.Add(-47*time.Hour))
	require.NoError(t, err)
	_, err = e.Select(ctx, "u1", methodology.Pomodoro, now.Add(-24*time.Hour))
	require.NoError(t, err)

	// The only completed session predates the unlock.
	got, err := e.Scan(ctx, snapshot(t, store, old), now)
	require.NoError(t, err)
	assert.Empty(t, got)

	fresh := append(old, completed(methodology.Pomodoro, time.Hour, 1)...)
	got, err = e.Scan(ctx, snapshot(t, store, fresh), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, methodology.StateActive, got[0].To)
	assert.Equal(t, "first-session", got[0].Trigger)
}

func TestScan_NeverSelectsForTheUser(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine()
	sessions := completed(methodology.Pomodoro, time.Hour, 50)
	for i := 0; i < 3; i++ {
		_, err := e.Scan(ctx, snapshot(t, store, sessions), now)
		require.NoError(t, err)
	}
	progress, _ := store.Progress(ctx, "u1")
	for _, p := range progress {
		assert.Equal(t, methodology.StateEligible, p.Effective(), p.Methodology)
	}
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine()

	_, err := e.Select(ctx, "u1", methodology.Kanban, now)
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = e.RecordTransition(ctx, "u1", methodology.Kanban, methodology.StateEligible, now)
	require.NoError(t, err)

	tr, err := e.Select(ctx, "u1", methodology.Kanban, now)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, methodology.StateEligible, tr.From)
	assert.Equal(t, methodology.StateUnlocked, tr.To)

	tr, err = e.Select(ctx, "u1", methodology.Kanban, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestRecordTransition(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine()

	_, err := e.RecordTransition(ctx, "u1", methodology.GTD, methodology.StateActive, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.RecordTransition(ctx, "u1", "zen", methodology.StateEligible, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	first, err := e.RecordTransition(ctx, "u1", methodology.GTD, methodology.StateEligible, now)
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := e.RecordTransition(ctx, "u1", methodology.GTD, methodology.StateEligible, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, again)

	_, err = e.RecordTransition(ctx, "u1", methodology.GTD, methodology.StateUnlocked, now)
	require.NoError(t, err)
	back, err := e.RecordTransition(ctx, "u1", methodology.GTD, methodology.StateEligible, now)
	require.NoError(t, err)
	assert.Nil(t, back)

	progress, _ := store.Progress(ctx, "u1")
	assert.Equal(t, methodology.StateUnlocked, progress[methodology.GTD].State)
	assert.Equal(t, now, progress[methodology.GTD].EligibleAt)
}

func TestRecordTransition_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine()
	_, err := e.RecordTransition(ctx, "u1", methodology.Pareto, methodology.StateEligible, now)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := e.Select(ctx, "u1", methodology.Pareto, now)
			if err != nil && !errors.Is(err, ErrConflict) {
				t.Errorf("Select: %v", err)
			}
			if tr != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMonotonicity(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine()
	rng := rand.New(rand.NewSource(7))
	states := []methodology.State{methodology.StateEligible, methodology.StateUnlocked, methodology.StateActive}

	last := methodology.StateLocked
	for i := 0; i < 200; i++ {
		_, _ = e.RecordTransition(ctx, "u1", methodology.Flowtime, states[rng.Intn(len(states))], now.Add(time.Duration(i)*time.Minute))
		progress, err := store.Progress(ctx, "u1")
		require.NoError(t, err)
		cur := progress[methodology.Flowtime].Effective()
		if cur < last {
			t.Fatalf("step %d: state went back from %s to %s", i, last, cur)
		}
		last = cur
	}
	assert.Equal(t, methodology.StateActive, last)
}

func TestInconsistentRecordIsRepairedForward(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine()

	// Stored as active without an observed selection: effective eligible.
	_, err := store.Advance(ctx, "u1", methodology.IvyLee, methodology.StateLocked, methodology.StateEligible, now)
	require.NoError(t, err)
	_, err = store.Advance(ctx, "u1", methodology.IvyLee, methodology.StateEligible, methodology.StateActive, now)
	require.NoError(t, err)

	uc := snapshot(t, store, completed(methodology.IvyLee, time.Hour, 3))
	assert.Equal(t, methodology.StateEligible, uc.State(methodology.IvyLee))

	tr, err := e.Select(ctx, "u1", methodology.IvyLee, now)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, methodology.StateEligible, tr.From)
	assert.Equal(t, methodology.StateUnlocked, tr.To)
}

func TestPendingAnnouncements(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine()

	_, err := e.RecordTransition(ctx, "u1", methodology.DeepWork, methodology.StateEligible, now)
	require.NoError(t, err)
	_, err = e.Select(ctx, "u1", methodology.DeepWork, now)
	require.NoError(t, err)

	uc := snapshot(t, store, nil)
	defs := e.PendingAnnouncements(uc, 140)
	require.Len(t, defs, 1)
	d := defs[0]
	assert.Equal(t, "unlock.deep_work.unlocked", d.ID)
	assert.Equal(t, 141, d.Priority)
	assert.True(t, d.Synthetic)
	assert.Equal(t, registry.Forever, d.Cooldown)
	assert.Equal(t, 1, d.MaxPerDay)

	defs = e.PendingAnnouncements(uc, 10)
	assert.Equal(t, 100, defs[0].Priority)

	require.NoError(t, e.MarkAnnounced(ctx, "u1", d.ID))
	assert.Empty(t, e.PendingAnnouncements(snapshot(t, store, nil), 10))

	// Recording the same transition again schedules nothing new.
	tr, err := e.RecordTransition(ctx, "u1", methodology.DeepWork, methodology.StateUnlocked, now)
	require.NoError(t, err)
	assert.Nil(t, tr)
	assert.Empty(t, e.PendingAnnouncements(snapshot(t, store, nil), 10))

	assert.ErrorIs(t, e.MarkAnnounced(ctx, "u1", "kanban.wip_limit"), ErrInvalidTransition)
}

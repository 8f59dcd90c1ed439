package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/delivery/stream"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/signals"
	"github.com/abhisek/focuscoach/internal/unlock"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

const morningCatalog = `
triggers:
  - id: pomodoro.morning_nudge
    methodology: pomodoro
    priority: 10
    channel: push
    cooldown: 20h
    max_per_day: 1
    title: "Start your first pomodoro"
    body: "A single 25-minute block now sets the tone for the day."
    when:
      all:
        - window: {start: "07:00", end: "11:00"}
        - compare: {field: sessions_today, op: "==", value: 0}

  - id: pomodoro.no_session_yet
    methodology: pomodoro
    priority: 5
    channel: stream
    cooldown: 3h
    max_per_day: 2
    title: "No pomodoro yet today"
    body: "You have {{.TasksOpen}} open tasks."
    when:
      all:
        - window: {start: "09:00", end: "21:00"}
        - compare: {field: sessions_today, op: "==", value: 0}
`

const checkInCatalog = `
triggers:
  - id: pomodoro.check_in
    methodology: pomodoro
    priority: 7
    channel: stream
    cooldown: 4h
    max_per_day: 10
    title: "How is the day going?"
    body: "{{.SessionsToday}} sessions so far."
    when:
      compare: {field: sessions_today, op: ">=", value: 0}
`

const kanbanCatalog = `
triggers:
  - id: kanban.board_review
    methodology: kanban
    priority: 150
    channel: stream
    cooldown: 1h
    max_per_day: 4
    title: "Review your board"
    body: "Move one card."
    when:
      compare: {field: sessions_today, op: ">=", value: 0}
`

// planOnly routes every trigger to its default channel and records
// dispatched firings.
type planOnly struct {
	mu         sync.Mutex
	dispatched []string
}

func (p *planOnly) Plan(def registry.Definition, _ usercontext.UserContext) delivery.Plan {
	return delivery.Plan{Channel: def.Channel}
}

func (p *planOnly) Dispatch(_ context.Context, f ledger.Firing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatched = append(p.dispatched, f.ID)
	return nil
}

// conflictingLedger refuses the first fails reservations.
type conflictingLedger struct {
	ledger.Store
	fails atomic.Int32
}

func (l *conflictingLedger) Reserve(ctx context.Context, req ledger.ReserveRequest) error {
	if l.fails.Add(-1) >= 0 {
		return &ledger.ConflictError{UserID: req.Firing.UserID, TriggerID: req.Firing.TriggerID, Reason: "cooldown"}
	}
	return l.Store.Reserve(ctx, req)
}

// refuseNth refuses only the nth reservation.
type refuseNth struct {
	ledger.Store
	n     int32
	calls atomic.Int32
}

func (l *refuseNth) Reserve(ctx context.Context, req ledger.ReserveRequest) error {
	if l.calls.Add(1) == l.n {
		return &ledger.ConflictError{UserID: req.Firing.UserID, TriggerID: req.Firing.TriggerID, Reason: "user daily cap"}
	}
	return l.Store.Reserve(ctx, req)
}

type harness struct {
	engine   *Engine
	ledger   ledger.Store
	progress *unlock.MemoryStore
	router   *planOnly
}

func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("f%d", n.Add(1)) }
}

func unlockConfig() unlock.Config {
	return unlock.Config{AnnouncePriority: 100, AnnounceChannel: channel.Stream}
}

func newHarness(t *testing.T, catalog string, cfg Config, store ledger.Store) *harness {
	t.Helper()
	reg, err := registry.Load([]byte(catalog))
	require.NoError(t, err)
	if store == nil {
		store = ledger.NewMemory()
	}
	h := &harness{ledger: store, progress: unlock.NewMemoryStore(), router: &planOnly{}}
	h.engine = New(cfg, Deps{
		Registry: reg,
		Ledger:   store,
		Unlock:   unlock.NewEngine(unlockConfig(), h.progress, zap.NewNop()),
		Router:   h.router,
	}, zap.NewNop(), WithIDs(seqIDs()))
	return h
}

// unlockAnnounced moves m to unlocked with both announcements made.
func (h *harness) unlockAnnounced(t *testing.T, m methodology.Methodology) {
	t.Helper()
	ctx := context.Background()
	_, err := h.progress.Advance(ctx, "u1", m, methodology.StateLocked, methodology.StateEligible, t0.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = h.progress.Advance(ctx, "u1", m, methodology.StateEligible, methodology.StateUnlocked, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, h.progress.MarkAnnounced(ctx, "u1", m, methodology.StateUnlocked))
}

func (h *harness) context(t *testing.T, now time.Time) usercontext.UserContext {
	t.Helper()
	ctx := context.Background()
	progress, err := h.progress.Progress(ctx, "u1")
	require.NoError(t, err)
	lastFired, err := h.ledger.LastFiredByTrigger(ctx, "u1")
	require.NoError(t, err)
	uc, err := usercontext.FromSignals(&usercontext.Signals{
		UserID:  "u1",
		Profile: &usercontext.Profile{TimeZone: "UTC", CurrentMethodology: methodology.Pomodoro},
		Tasks:   []usercontext.Task{{CreatedAt: now.Add(-time.Hour)}},
	}, progress, lastFired, now)
	require.NoError(t, err)
	return uc
}

func triggerIDs(ds []Decision) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Firing.TriggerID
	}
	return out
}

func TestEvaluateCycle_DailyCapKeepsHighestPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyCap = 1
	h := newHarness(t, morningCatalog, cfg, nil)
	h.unlockAnnounced(t, methodology.Pomodoro)

	got, err := h.engine.EvaluateCycle(context.Background(), "u1", h.context(t, t0), t0)
	require.NoError(t, err)
	require.Equal(t, []string{"pomodoro.morning_nudge"}, triggerIDs(got))

	f := got[0].Firing
	assert.Equal(t, "f1", f.ID)
	assert.Equal(t, ledger.StatusPending, f.Status)
	assert.Equal(t, channel.Push, f.Channel)
	assert.Equal(t, "2026-10-19", f.DayKey)
	assert.Equal(t, "Start your first pomodoro", f.Title)
	assert.Equal(t, "template", got[0].CopySource)

	stored, err := h.ledger.List(context.Background(), ledger.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "pomodoro.morning_nudge", stored[0].TriggerID)

	// The cap is spent for the day.
	got, err = h.engine.EvaluateCycle(context.Background(), "u1", h.context(t, t0.Add(time.Hour)), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEvaluateCycle_PerCycleAndTemplateCopy(t *testing.T) {
	h := newHarness(t, morningCatalog, DefaultConfig(), nil)
	h.unlockAnnounced(t, methodology.Pomodoro)

	got, err := h.engine.EvaluateCycle(context.Background(), "u1", h.context(t, t0), t0)
	require.NoError(t, err)
	require.Equal(t, []string{"pomodoro.morning_nudge", "pomodoro.no_session_yet"}, triggerIDs(got))
	assert.Equal(t, "You have 1 open tasks.", got[1].Firing.Body)
}

func TestEvaluateCycle_Cooldown(t *testing.T) {
	h := newHarness(t, checkInCatalog, DefaultConfig(), nil)
	h.unlockAnnounced(t, methodology.Pomodoro)
	ctx := context.Background()

	tests := []struct {
		at   time.Time
		want int
	}{
		{t0.Add(-30 * time.Minute), 1},            // 09:00
		{t0.Add(30 * time.Minute), 0},             // 10:00, inside the 4h cooldown
		{t0.Add(3*time.Hour + 35*time.Minute), 1}, // 13:05
	}
	for _, tt := range tests {
		got, err := h.engine.EvaluateCycle(ctx, "u1", h.context(t, tt.at), tt.at)
		require.NoError(t, err)
		assert.Len(t, got, tt.want, tt.at.Format("15:04"))
	}
}

func TestEvaluateCycle_UnlockAnnouncementOutranksRegular(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerCycle = 1
	h := newHarness(t, kanbanCatalog, cfg, nil)
	ctx := context.Background()

	_, err := h.progress.Advance(ctx, "u1", methodology.Kanban, methodology.StateLocked, methodology.StateEligible, t0.Add(-48*time.Hour))
	require.NoError(t, err)
	require.NoError(t, h.progress.MarkAnnounced(ctx, "u1", methodology.Kanban, methodology.StateEligible))

	tr, err := h.engine.SelectMethodology(ctx, "u1", methodology.Kanban, t0)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, methodology.StateEligible, tr.From)
	assert.Equal(t, methodology.StateUnlocked, tr.To)

	got, err := h.engine.EvaluateCycle(ctx, "u1", h.context(t, t0), t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, registry.UnlockID(methodology.Kanban, methodology.StateUnlocked), got[0].Firing.TriggerID)
	assert.Equal(t, 151, got[0].Firing.Priority)
	assert.Equal(t, channel.Stream, got[0].Firing.Channel)
	assert.Equal(t, "Personal Kanban unlocked", got[0].Firing.Title)

	progress, err := h.progress.Progress(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, progress[methodology.Kanban].IsAnnounced(methodology.StateUnlocked))

	// Selecting again is a no-op.
	tr, err = h.engine.SelectMethodology(ctx, "u1", methodology.Kanban, t0)
	require.NoError(t, err)
	assert.Nil(t, tr)

	// The next cycle serves the regular trigger, never the announcement.
	later := t0.Add(2 * time.Hour)
	got, err = h.engine.EvaluateCycle(ctx, "u1", h.context(t, later), later)
	require.NoError(t, err)
	assert.Equal(t, []string{"kanban.board_review"}, triggerIDs(got))
}

func TestEvaluateCycle_ScanPromotesEligible(t *testing.T) {
	h := newHarness(t, kanbanCatalog, DefaultConfig(), nil)
	h.engine.deps.Unlock = unlock.NewEngine(unlock.Config{
		Thresholds:       map[methodology.Methodology]unlock.Threshold{methodology.Pomodoro: {}},
		AnnouncePriority: 100,
		AnnounceChannel:  channel.Stream,
	}, h.progress, zap.NewNop())

	got, err := h.engine.EvaluateCycle(context.Background(), "u1", h.context(t, t0), t0)
	require.NoError(t, err)
	assert.Equal(t, []string{registry.UnlockID(methodology.Pomodoro, methodology.StateEligible)}, triggerIDs(got))
}

func TestEvaluateCycle_ConflictRetriesOnce(t *testing.T) {
	store := &conflictingLedger{Store: ledger.NewMemory()}
	store.fails.Store(1)
	h := newHarness(t, checkInCatalog, DefaultConfig(), store)
	h.unlockAnnounced(t, methodology.Pomodoro)

	got, err := h.engine.EvaluateCycle(context.Background(), "u1", h.context(t, t0), t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"pomodoro.check_in"}, triggerIDs(got))
}

const fourTriggerCatalog = `
triggers:
  - id: pomodoro.a
    methodology: pomodoro
    priority: 40
    channel: stream
    cooldown: 1h
    title: "a"
    body: "a"
    when: {compare: {field: sessions_today, op: ">=", value: 0}}
  - id: pomodoro.b
    methodology: pomodoro
    priority: 30
    channel: stream
    cooldown: 1h
    title: "b"
    body: "b"
    when: {compare: {field: sessions_today, op: ">=", value: 0}}
  - id: pomodoro.c
    methodology: pomodoro
    priority: 20
    channel: stream
    cooldown: 1h
    title: "c"
    body: "c"
    when: {compare: {field: sessions_today, op: ">=", value: 0}}
  - id: pomodoro.d
    methodology: pomodoro
    priority: 10
    channel: stream
    cooldown: 1h
    title: "d"
    body: "d"
    when: {compare: {field: sessions_today, op: ">=", value: 0}}
`

func TestEvaluateCycle_RetryKeepsPerCycleBudget(t *testing.T) {
	store := &refuseNth{Store: ledger.NewMemory(), n: 2}
	cfg := DefaultConfig()
	h := newHarness(t, fourTriggerCatalog, cfg, store)
	h.unlockAnnounced(t, methodology.Pomodoro)

	got, err := h.engine.EvaluateCycle(context.Background(), "u1", h.context(t, t0), t0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), cfg.PerCycle)
	assert.Equal(t, []string{"pomodoro.a", "pomodoro.b"}, triggerIDs(got))

	stored, err := store.List(context.Background(), ledger.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, stored, cfg.PerCycle)
}

func TestEvaluateCycle_ConflictDropsCycle(t *testing.T) {
	store := &conflictingLedger{Store: ledger.NewMemory()}
	store.fails.Store(10)
	h := newHarness(t, checkInCatalog, DefaultConfig(), store)
	h.unlockAnnounced(t, methodology.Pomodoro)

	got, err := h.engine.EvaluateCycle(context.Background(), "u1", h.context(t, t0), t0)
	require.NoError(t, err)
	assert.Empty(t, got)

	stored, err := store.List(context.Background(), ledger.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestPreview_WritesNothing(t *testing.T) {
	h := newHarness(t, kanbanCatalog, DefaultConfig(), nil)
	ctx := context.Background()
	_, err := h.progress.Advance(ctx, "u1", methodology.Kanban, methodology.StateLocked, methodology.StateEligible, t0.Add(-time.Hour))
	require.NoError(t, err)

	got, err := h.engine.Preview(ctx, "u1", h.context(t, t0), t0)
	require.NoError(t, err)
	assert.Equal(t, []string{registry.UnlockID(methodology.Kanban, methodology.StateEligible)}, triggerIDs(got))

	stored, err := h.ledger.List(ctx, ledger.Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, stored)

	progress, err := h.progress.Progress(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, progress[methodology.Kanban].IsAnnounced(methodology.StateEligible))
}

func fileSource(t *testing.T, subs ...signals.FileSubscription) *signals.File {
	t.Helper()
	src, err := signals.NewFile(signals.FileData{
		Users: []usercontext.Signals{{
			UserID:  "u1",
			Profile: &usercontext.Profile{TimeZone: "UTC", CurrentMethodology: methodology.Pomodoro},
		}},
		Subscriptions: subs,
	})
	require.NoError(t, err)
	return src
}

func TestSweep_SkipsUsersWithoutContext(t *testing.T) {
	h := newHarness(t, morningCatalog, DefaultConfig(), nil)
	h.unlockAnnounced(t, methodology.Pomodoro)
	h.engine.deps.Contexts = usercontext.NewAggregator(fileSource(t), h.progress, h.ledger)

	report, err := h.engine.Sweep(context.Background(), []string{"u1", "ghost"}, t0)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Users: 2, Fired: 2, Skipped: 1}, report)

	h.router.mu.Lock()
	defer h.router.mu.Unlock()
	assert.Len(t, h.router.dispatched, 2)
	assert.Zero(t, h.engine.locks.size())
}

func TestSweep_Canceled(t *testing.T) {
	h := newHarness(t, morningCatalog, DefaultConfig(), nil)
	h.engine.deps.Contexts = usercontext.NewAggregator(fileSource(t), h.progress, h.ledger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Sweep(ctx, []string{"u1"}, t0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_TransientPushFallsBackToStream(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := fileSource(t, signals.FileSubscription{UserID: "u1", Channel: "push", Endpoint: srv.URL})
	queue := stream.NewMemory()
	store := ledger.NewMemory()

	rcfg := delivery.DefaultConfig()
	rcfg.Retry = delivery.RetryConfig{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
	for ch, cc := range rcfg.Channels {
		cc.Rate = 0
		cc.Timeout = time.Second
		rcfg.Channels[ch] = cc
	}
	router := delivery.NewRouter(rcfg, store,
		[]delivery.Channel{delivery.NewWebhook(channel.Push, src, srv.Client()), stream.NewChannel(queue)},
		zap.NewNop(), delivery.WithClock(func() time.Time { return t0 }))
	defer router.Close(context.Background())

	reg, err := registry.Load([]byte(morningCatalog))
	require.NoError(t, err)
	progress := unlock.NewMemoryStore()
	e := New(Config{PerCycle: 1, DailyCap: 6, SweepConcurrency: 1}, Deps{
		Registry: reg,
		Ledger:   store,
		Unlock:   unlock.NewEngine(unlockConfig(), progress, zap.NewNop()),
		Router:   router,
		Contexts: usercontext.NewAggregator(src, progress, store),
	}, zap.NewNop())

	ctx := context.Background()
	_, err = progress.Advance(ctx, "u1", methodology.Pomodoro, methodology.StateLocked, methodology.StateEligible, t0.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = progress.Advance(ctx, "u1", methodology.Pomodoro, methodology.StateEligible, methodology.StateUnlocked, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, progress.MarkAnnounced(ctx, "u1", methodology.Pomodoro, methodology.StateUnlocked))

	got, err := e.Run(ctx, "u1", t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	id := got[0].Firing.ID
	assert.Equal(t, channel.Push, got[0].Firing.Channel)

	require.Eventually(t, func() bool {
		f, err := store.Get(ctx, id)
		return err == nil && f.Status == ledger.StatusSent
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, hits.Load())

	acked, err := queue.Ack(ctx, "u1", id)
	require.NoError(t, err)
	require.True(t, acked)
	require.NoError(t, router.Confirm(ctx, id))

	f, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDelivered, f.Status)
	assert.Equal(t, channel.Stream, f.Channel)

	atts, err := store.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, atts, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, channel.Push, atts[i].Channel)
		assert.Equal(t, ledger.OutcomeTransient, atts[i].Outcome)
	}
	assert.Equal(t, channel.Stream, atts[3].Channel)
	assert.Equal(t, ledger.OutcomeOK, atts[3].Outcome)
}

func TestRun_UnknownUser(t *testing.T) {
	h := newHarness(t, morningCatalog, DefaultConfig(), nil)
	h.engine.deps.Contexts = usercontext.NewAggregator(fileSource(t), h.progress, h.ledger)

	_, err := h.engine.Run(context.Background(), "ghost", t0)
	assert.ErrorIs(t, err, usercontext.ErrContextUnavailable)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := k.Lock("u1")
			defer release()
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
	assert.Zero(t, k.size())
}

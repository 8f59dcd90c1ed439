package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/condition"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// scriptedChannel returns queued errors in order, then succeeds.
type scriptedChannel struct {
	name   channel.Channel
	status ledger.Status

	mu    sync.Mutex
	errs  []error
	calls int
	got   []string
}

func (c *scriptedChannel) Name() channel.Channel { return c.name }

func (c *scriptedChannel) Deliver(_ context.Context, f ledger.Firing) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return Result{}, err
	}
	c.got = append(c.got, f.ID)
	return Result{Status: c.status}, nil
}

func (c *scriptedChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func transient(ch channel.Channel) error {
	return &ErrTransient{Channel: ch, Err: errors.New("gateway timeout")}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryConfig{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
	for ch, cc := range cfg.Channels {
		cc.Rate = 0
		cc.Timeout = time.Second
		cfg.Channels[ch] = cc
	}
	return cfg
}

func reserve(t *testing.T, store ledger.Store, id string, ch channel.Channel, deliverAfter time.Time) ledger.Firing {
	t.Helper()
	f := ledger.Firing{
		ID:           id,
		UserID:       "u1",
		TriggerID:    "pomodoro.morning_nudge",
		Methodology:  methodology.Pomodoro,
		Priority:     10,
		FiredAt:      t0,
		DayKey:       "2026-10-19",
		Channel:      ch,
		DeliverAfter: deliverAfter,
		Title:        "Start your first pomodoro",
	}
	require.NoError(t, store.Reserve(context.Background(), ledger.ReserveRequest{Firing: f}))
	return f
}

func waitStatus(t *testing.T, store ledger.Store, id string, want ledger.Status) ledger.Firing {
	t.Helper()
	var f ledger.Firing
	require.Eventually(t, func() bool {
		var err error
		f, err = store.Get(context.Background(), id)
		return err == nil && f.Status == want
	}, 2*time.Second, 5*time.Millisecond, "firing %s never reached %s", id, want)
	return f
}

func TestRouter_TransientPushFallsBackToStream(t *testing.T) {
	store := ledger.NewMemory()
	push := &scriptedChannel{name: channel.Push, errs: []error{transient(channel.Push), transient(channel.Push), transient(channel.Push)}}
	stream := &scriptedChannel{name: channel.Stream, status: ledger.StatusDelivered}
	r := NewRouter(testConfig(), store, []Channel{push, stream}, zap.NewNop(), WithClock(func() time.Time { return t0 }))
	defer r.Close(context.Background())

	f := reserve(t, store, "f1", channel.Push, time.Time{})
	require.NoError(t, r.Dispatch(context.Background(), f))

	got := waitStatus(t, store, "f1", ledger.StatusDelivered)
	assert.Equal(t, channel.Stream, got.Channel)

	atts, err := store.Attempts(context.Background(), "f1")
	require.NoError(t, err)
	require.Len(t, atts, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, channel.Push, atts[i].Channel)
		assert.Equal(t, ledger.OutcomeTransient, atts[i].Outcome)
		assert.Equal(t, i+1, atts[i].Number)
	}
	assert.Equal(t, channel.Stream, atts[3].Channel)
	assert.Equal(t, ledger.OutcomeOK, atts[3].Outcome)
}

func TestRouter_PermanentSkipsRetries(t *testing.T) {
	store := ledger.NewMemory()
	push := &scriptedChannel{name: channel.Push, errs: []error{&ErrPermanent{Channel: channel.Push, Err: errors.New("410 gone")}}}
	stream := &scriptedChannel{name: channel.Stream, status: ledger.StatusSent}
	r := NewRouter(testConfig(), store, []Channel{push, stream}, zap.NewNop())
	defer r.Close(context.Background())

	f := reserve(t, store, "f1", channel.Push, time.Time{})
	require.NoError(t, r.Dispatch(context.Background(), f))
	waitStatus(t, store, "f1", ledger.StatusSent)
	assert.Equal(t, 1, push.callCount())
}

func TestRouter_FallbackOnceThenFailed(t *testing.T) {
	store := ledger.NewMemory()
	var pushErrs, streamErrs []error
	for i := 0; i < 3; i++ {
		pushErrs = append(pushErrs, transient(channel.Push))
		streamErrs = append(streamErrs, transient(channel.Stream))
	}
	push := &scriptedChannel{name: channel.Push, errs: pushErrs}
	stream := &scriptedChannel{name: channel.Stream, errs: streamErrs}
	r := NewRouter(testConfig(), store, []Channel{push, stream}, zap.NewNop())
	defer r.Close(context.Background())

	f := reserve(t, store, "f1", channel.Push, time.Time{})
	require.NoError(t, r.Dispatch(context.Background(), f))
	waitStatus(t, store, "f1", ledger.StatusFailed)

	atts, _ := store.Attempts(context.Background(), "f1")
	assert.Len(t, atts, 6)
	// Stream's own fallback (push) is never tried a second time.
	assert.Equal(t, 3, push.callCount())
}

func TestRouter_DeferredUntilQuietHoursEnd(t *testing.T) {
	store := ledger.NewMemory()
	stream := &scriptedChannel{name: channel.Stream, status: ledger.StatusDelivered}
	clock := t0
	var mu sync.Mutex
	now := func() time.Time { mu.Lock(); defer mu.Unlock(); return clock }
	r := NewRouter(testConfig(), store, []Channel{stream}, zap.NewNop(), WithClock(now))
	defer r.Close(context.Background())

	f := reserve(t, store, "f1", channel.Stream, t0.Add(50*time.Millisecond))
	require.NoError(t, r.Dispatch(context.Background(), f))

	n, err := r.ResumeDeferred(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, stream.callCount())

	mu.Lock()
	clock = t0.Add(time.Minute)
	mu.Unlock()
	waitStatus(t, store, "f1", ledger.StatusDelivered)
}

func TestRouter_ResumeDeferredAfterRestart(t *testing.T) {
	store := ledger.NewMemory()
	reserve(t, store, "f1", channel.Stream, t0.Add(-time.Minute))
	reserve(t, store, "f2", channel.Stream, t0.Add(time.Hour))

	stream := &scriptedChannel{name: channel.Stream, status: ledger.StatusSent}
	r := NewRouter(testConfig(), store, []Channel{stream}, zap.NewNop(), WithClock(func() time.Time { return t0 }))
	defer r.Close(context.Background())

	n, err := r.ResumeDeferred(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitStatus(t, store, "f1", ledger.StatusSent)

	f2, _ := store.Get(context.Background(), "f2")
	assert.Equal(t, ledger.StatusPending, f2.Status)
}

func TestRouter_AcknowledgeAndConfirm(t *testing.T) {
	store := ledger.NewMemory()
	stream := &scriptedChannel{name: channel.Stream, status: ledger.StatusSent}
	r := NewRouter(testConfig(), store, []Channel{stream}, zap.NewNop())
	defer r.Close(context.Background())
	ctx := context.Background()

	f := reserve(t, store, "f1", channel.Stream, time.Time{})
	assert.ErrorIs(t, r.Acknowledge(ctx, "f1", ledger.StatusRead), ledger.ErrInvalidTransition)

	require.NoError(t, r.Dispatch(ctx, f))
	waitStatus(t, store, "f1", ledger.StatusSent)

	require.NoError(t, r.Confirm(ctx, "f1"))
	require.NoError(t, r.Confirm(ctx, "f1"))
	require.NoError(t, r.Acknowledge(ctx, "f1", ledger.StatusDismissed))
	require.NoError(t, r.Confirm(ctx, "f1"))
	assert.ErrorIs(t, r.Acknowledge(ctx, "f1", ledger.StatusFailed), ledger.ErrInvalidTransition)

	got, _ := store.Get(ctx, "f1")
	assert.Equal(t, ledger.StatusDismissed, got.Status)
}

func TestRouter_CloseDrainsAndRejects(t *testing.T) {
	store := ledger.NewMemory()
	stream := &scriptedChannel{name: channel.Stream, status: ledger.StatusSent}
	r := NewRouter(testConfig(), store, []Channel{stream}, zap.NewNop())

	var fs []ledger.Firing
	for _, id := range []string{"a", "b", "c"} {
		f := reserve(t, store, id, channel.Stream, time.Time{})
		fs = append(fs, f)
		require.NoError(t, r.Dispatch(context.Background(), f))
	}
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 3, stream.callCount())

	assert.ErrorIs(t, r.Dispatch(context.Background(), fs[0]), ErrClosed)
	require.NoError(t, r.Close(context.Background()))
}

func TestRouter_QueueFull(t *testing.T) {
	store := ledger.NewMemory()
	block := make(chan struct{})
	slow := &blockingChannel{name: channel.Stream, release: block}
	cfg := testConfig()
	cfg.Channels[channel.Stream] = ChannelConfig{Workers: 1, QueueSize: 1, Timeout: time.Second}
	r := NewRouter(cfg, store, []Channel{slow}, zap.NewNop())

	a := reserve(t, store, "a", channel.Stream, time.Time{})
	require.NoError(t, r.Dispatch(context.Background(), a))
	require.Eventually(t, func() bool { return slow.started() }, time.Second, time.Millisecond)

	b := reserve(t, store, "b", channel.Stream, time.Time{})
	require.NoError(t, r.Dispatch(context.Background(), b))
	c := reserve(t, store, "c", channel.Stream, time.Time{})
	assert.ErrorIs(t, r.Dispatch(context.Background(), c), ErrQueueFull)

	close(block)
	sent := func(id string) func() bool {
		return func() bool {
			f, err := store.Get(context.Background(), id)
			return err == nil && f.Status == ledger.StatusSent
		}
	}
	require.Eventually(t, sent("a"), time.Second, time.Millisecond)
	require.Eventually(t, sent("b"), time.Second, time.Millisecond)

	// c was refused but stays pending; a resume pass delivers it once.
	got, err := store.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)

	n, err := r.ResumeDeferred(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, sent("c"), time.Second, time.Millisecond)

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 3, slow.deliveries())
}

type blockingChannel struct {
	name    channel.Channel
	release chan struct{}
	mu      sync.Mutex
	begun   bool
	calls   int
}

func (c *blockingChannel) Name() channel.Channel { return c.name }

func (c *blockingChannel) Deliver(ctx context.Context, _ ledger.Firing) (Result, error) {
	c.mu.Lock()
	c.begun = true
	c.calls++
	c.mu.Unlock()
	select {
	case <-c.release:
		return Result{Status: ledger.StatusSent}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *blockingChannel) deliveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *blockingChannel) started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begun
}

func planContext(t *testing.T, at time.Time, prefs map[string]string, disabled []string) usercontext.UserContext {
	t.Helper()
	uc, err := usercontext.FromSignals(&usercontext.Signals{
		UserID: "u1",
		Profile: &usercontext.Profile{
			TimeZone:         "UTC",
			QuietStart:       "22:00",
			QuietEnd:         "07:00",
			ChannelPrefs:     prefs,
			DisabledChannels: disabled,
		},
	}, nil, nil, at)
	require.NoError(t, err)
	return uc
}

func TestRouter_Plan(t *testing.T) {
	store := ledger.NewMemory()
	adapters := []Channel{
		&scriptedChannel{name: channel.Push},
		&scriptedChannel{name: channel.Email},
		&scriptedChannel{name: channel.Stream},
	}
	r := NewRouter(testConfig(), store, adapters, zap.NewNop())
	defer r.Close(context.Background())

	def := registry.Definition{ID: "x", Methodology: methodology.Kanban, Priority: 10, Channel: channel.Email, Condition: condition.All{}}
	high := def
	high.Priority = 60

	tests := []struct {
		name      string
		def       registry.Definition
		at        time.Time
		prefs     map[string]string
		disabled  []string
		want      channel.Channel
		wantAfter time.Time
	}{
		{"trigger default", def, t0, nil, nil, channel.Email, time.Time{}},
		{"tier preference", def, t0, map[string]string{"normal": "push"}, nil, channel.Push, time.Time{}},
		{"other tier preference ignored", def, t0, map[string]string{"high": "push"}, nil, channel.Email, time.Time{}},
		{"disabled default falls back", def, t0, nil, []string{"email"}, channel.Stream, time.Time{}},
		{"quiet hours defer", def, time.Date(2026, 10, 19, 23, 30, 0, 0, time.UTC), nil, nil, channel.Email, time.Date(2026, 10, 20, 7, 0, 0, 0, time.UTC)},
		{"above floor bypasses quiet hours", high, time.Date(2026, 10, 19, 23, 30, 0, 0, time.UTC), nil, nil, channel.Email, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := r.Plan(tt.def, planContext(t, tt.at, tt.prefs, tt.disabled))
			assert.Equal(t, tt.want, p.Channel)
			assert.Equal(t, tt.wantAfter, p.DeliverAfter)
			assert.Equal(t, !tt.wantAfter.IsZero(), p.Deferred())
		})
	}
}

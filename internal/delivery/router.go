// Package delivery routes scheduled firings to channel adapters.
//
// Each channel has its own bounded queue, worker pool and rate limiter, so
// a slow or failing channel never blocks evaluation or other channels.
// Transient failures are retried with exponential backoff; a channel that
// gives up hands the firing once to its fallback channel before the firing
// is marked failed. Every attempt and status change is written to the
// ledger.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/metrics"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

// Plan is the routing decision for a firing, made before it is reserved.
type Plan struct {
	Channel      channel.Channel
	DeliverAfter time.Time // zero means deliver now
}

// Deferred reports whether the plan holds the firing back.
func (p Plan) Deferred() bool { return !p.DeliverAfter.IsZero() }

type job struct {
	firing   ledger.Firing
	channel  channel.Channel
	fallback bool
}

type lane struct {
	name    channel.Channel
	adapter Channel
	cfg     ChannelConfig
	queue   chan job
	limiter *rate.Limiter
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the router's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router dispatches firings asynchronously.
type Router struct {
	cfg    Config
	lanes  map[channel.Channel]*lane
	ledger ledger.Store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	timers   map[string]*time.Timer
}

// NewRouter creates a router over the given adapters and starts its
// workers. Call Close to stop them.
func NewRouter(cfg Config, store ledger.Store, adapters []Channel, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:      cfg,
		lanes:    make(map[channel.Channel]*lane, len(adapters)),
		ledger:   store,
		logger:   logger,
		tracer:   otel.Tracer("focuscoach/delivery"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, a := range adapters {
		cc := cfg.channel(a.Name())
		lim := rate.NewLimiter(rate.Inf, 0)
		if cc.Rate > 0 {
			burst := cc.Burst
			if burst <= 0 {
				burst = 1
			}
			lim = rate.NewLimiter(rate.Limit(cc.Rate), burst)
		}
		l := &lane{
			name:    a.Name(),
			adapter: a,
			cfg:     cc,
			queue:   make(chan job, cc.QueueSize),
			limiter: lim,
		}
		r.lanes[l.name] = l
		for i := 0; i < cc.Workers; i++ {
			r.wg.Add(1)
			go r.work(l)
		}
	}
	return r
}

// Has reports whether an adapter is registered for ch.
func (r *Router) Has(ch channel.Channel) bool {
	_, ok := r.lanes[ch]
	return ok
}

// Plan picks the channel and delivery time of a trigger for the user: the
// user's channel for the priority tier, else the trigger default, skipping
// channels the user disabled or the router cannot serve. Below the quiet
// floor, delivery during quiet hours waits for the window to end.
func (r *Router) Plan(def registry.Definition, uc usercontext.UserContext) Plan {
	var p Plan
	candidates := make([]channel.Channel, 0, 4)
	if pref, ok := uc.PreferredChannel(def.Tier()); ok {
		candidates = append(candidates, pref)
	}
	candidates = append(candidates, def.Channel)
	if fb, ok := r.cfg.Fallbacks[def.Channel]; ok {
		candidates = append(candidates, fb)
	}
	candidates = append(candidates, channel.All()...)

	p.Channel = def.Channel
	for _, ch := range candidates {
		if r.Has(ch) && !uc.ChannelDisabled(ch) {
			p.Channel = ch
			break
		}
	}

	if def.Priority < r.cfg.QuietFloor && uc.InQuietHours() {
		p.DeliverAfter = uc.QuietEndsAt()
	}
	return p
}

// Dispatch hands a reserved firing to its channel. A firing whose
// deliver-after lies in the future is held on a timer. Dispatch never
// blocks on delivery.
func (r *Router) Dispatch(ctx context.Context, f ledger.Firing) error {
	now := r.now()
	if f.DeliverAfter.After(now) {
		return r.schedule(f, f.DeliverAfter.Sub(now))
	}
	err := r.enqueue(job{firing: f, channel: f.Channel})
	if errors.Is(err, ErrUnknownChannel) {
		if fb, ok := r.cfg.Fallbacks[f.Channel]; ok && r.Has(fb) {
			return r.enqueue(job{firing: f, channel: fb, fallback: true})
		}
		r.fail(ctx, f, err)
	}
	return err
}

func (r *Router) schedule(f ledger.Firing, wait time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.timers[f.ID]; ok {
		return nil
	}
	r.timers[f.ID] = time.AfterFunc(wait, func() {
		r.mu.Lock()
		delete(r.timers, f.ID)
		r.mu.Unlock()
		if err := r.enqueue(job{firing: f, channel: f.Channel}); err != nil && !errors.Is(err, ErrClosed) {
			r.logger.Warn("deferred dispatch failed", zap.String("firing", f.ID), zap.Error(err))
		}
	})
	metrics.RecordDeliveryOutcome(string(f.Channel), "deferred")
	r.logger.Debug("firing deferred",
		zap.String("firing", f.ID),
		zap.Time("until", f.DeliverAfter),
	)
	return nil
}

func (r *Router) enqueue(j job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, busy := r.inflight[j.firing.ID]; busy && !j.fallback {
		return nil
	}
	l, ok := r.lanes[j.channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, j.channel)
	}
	select {
	case l.queue <- j:
		r.inflight[j.firing.ID] = struct{}{}
		metrics.SetQueueDepth(string(l.name), len(l.queue))
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, l.name)
	}
}

func (r *Router) done(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

func (r *Router) work(l *lane) {
	defer r.wg.Done()
	for j := range l.queue {
		metrics.SetQueueDepth(string(l.name), len(l.queue))
		r.process(l, j)
	}
}

// process runs the attempt loop of one job on its lane.
func (r *Router) process(l *lane, j job) {
	f := j.firing
	if cur, err := r.ledger.Get(r.ctx, f.ID); err == nil && cur.Status != ledger.StatusPending {
		// Another dispatch of the same firing already finished it.
		r.done(f.ID)
		return
	}
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Retry.MaxAttempts; attempt++ {
		if err := l.limiter.Wait(r.ctx); err != nil {
			// Shutting down; the firing stays pending for ResumeDeferred.
			r.done(f.ID)
			return
		}
		res, err := r.attempt(l, f, attempt)
		if err == nil {
			r.succeed(f, l.name, res, j.fallback)
			r.done(f.ID)
			return
		}
		lastErr = err
		if !IsTransient(err) || attempt == r.cfg.Retry.MaxAttempts {
			break
		}
		select {
		case <-r.ctx.Done():
			r.done(f.ID)
			return
		case <-time.After(r.backoff(attempt-1, err)):
		}
	}

	if !j.fallback {
		if fb, ok := r.cfg.Fallbacks[l.name]; ok && fb != l.name && r.Has(fb) {
			r.logger.Info("falling back",
				zap.String("firing", f.ID),
				zap.String("from", string(l.name)),
				zap.String("to", string(fb)),
				zap.Error(lastErr),
			)
			metrics.RecordDeliveryOutcome(string(l.name), "fallback")
			err := r.enqueue(job{firing: f, channel: fb, fallback: true})
			if err == nil {
				return
			}
			if errors.Is(err, ErrClosed) {
				// Left pending for the next resume sweep.
				r.done(f.ID)
				return
			}
			lastErr = fmt.Errorf("fallback to %s: %w", fb, err)
		}
	}
	r.fail(context.Background(), f, lastErr)
	r.done(f.ID)
}

func (r *Router) attempt(l *lane, f ledger.Firing, n int) (Result, error) {
	ctx, cancel := context.WithTimeout(r.ctx, l.cfg.Timeout)
	defer cancel()
	ctx, span := r.tracer.Start(ctx, "delivery.attempt", trace.WithAttributes(
		attribute.String("channel", string(l.name)),
		attribute.String("firing.id", f.ID),
		attribute.Int("attempt", n),
	))
	defer span.End()

	start := time.Now()
	res, err := l.adapter.Deliver(ctx, f)
	outcome := ledger.OutcomeOK
	errText := ""
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome = ledger.OutcomePermanent
		if IsTransient(err) {
			outcome = ledger.OutcomeTransient
		}
		errText = err.Error()
	}
	metrics.RecordDeliveryAttempt(string(l.name), string(outcome), time.Since(start).Seconds())

	if _, lerr := r.ledger.AppendAttempt(context.Background(), ledger.Attempt{
		FiringID: f.ID,
		Channel:  l.name,
		Number:   n,
		Outcome:  outcome,
		Error:    errText,
		At:       r.now(),
	}); lerr != nil {
		r.logger.Error("record attempt", zap.String("firing", f.ID), zap.Error(lerr))
	}
	if err != nil {
		r.logger.Debug("delivery attempt failed",
			zap.String("firing", f.ID),
			zap.String("channel", string(l.name)),
			zap.Int("attempt", n),
			zap.Error(err),
		)
	}
	return res, err
}

func (r *Router) succeed(f ledger.Firing, ch channel.Channel, res Result, viaFallback bool) {
	status := res.Status
	if status == "" {
		status = ledger.StatusSent
	}
	err := r.ledger.UpdateStatus(context.Background(), f.ID, status, ch, r.now())
	if err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
		r.logger.Error("record delivery", zap.String("firing", f.ID), zap.Error(err))
	}
	metrics.RecordDeliveryOutcome(string(ch), string(status))
	r.logger.Info("firing delivered",
		zap.String("firing", f.ID),
		zap.String("user", f.UserID),
		zap.String("trigger", f.TriggerID),
		zap.String("channel", string(ch)),
		zap.String("status", string(status)),
		zap.Bool("fallback", viaFallback),
	)
}

func (r *Router) fail(ctx context.Context, f ledger.Firing, cause error) {
	if err := r.ledger.UpdateStatus(ctx, f.ID, ledger.StatusFailed, "", r.now()); err != nil {
		r.logger.Error("record failure", zap.String("firing", f.ID), zap.Error(err))
	}
	metrics.RecordDeliveryOutcome(string(f.Channel), "failed")
	r.logger.Warn("firing failed",
		zap.String("firing", f.ID),
		zap.String("user", f.UserID),
		zap.String("trigger", f.TriggerID),
		zap.Error(cause),
	)
}

// backoff computes the wait before retry number attempt+1.
func (r *Router) backoff(attempt int, err error) time.Duration {
	var te *ErrTransient
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter
	}
	cfg := r.cfg.Retry
	wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}

	// ±20% jitter.
	wait += wait * 0.2 * (2*rand.Float64() - 1)
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}

// Acknowledge applies a user action (read or dismissed) to a sent or
// delivered firing.
func (r *Router) Acknowledge(ctx context.Context, firingID string, status ledger.Status) error {
	if status != ledger.StatusRead && status != ledger.StatusDismissed {
		return fmt.Errorf("%w: acknowledge with %s", ledger.ErrInvalidTransition, status)
	}
	return r.ledger.UpdateStatus(ctx, firingID, status, "", r.now())
}

// Confirm marks a firing delivered after the channel's consumer confirmed
// receipt. Repeated confirmations are no-ops.
func (r *Router) Confirm(ctx context.Context, firingID string) error {
	f, err := r.ledger.Get(ctx, firingID)
	if err != nil {
		return err
	}
	switch f.Status {
	case ledger.StatusDelivered, ledger.StatusRead, ledger.StatusDismissed:
		return nil
	}
	return r.ledger.UpdateStatus(ctx, firingID, ledger.StatusDelivered, "", r.now())
}

// ResumeDeferred dispatches every pending firing that is due, such as
// firings deferred past quiet hours before a restart or refused by a full
// queue. Firings already queued are left alone. It returns how many were
// handed to a channel.
func (r *Router) ResumeDeferred(ctx context.Context) (int, error) {
	due, err := r.ledger.DuePending(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("list due firings: %w", err)
	}
	n := 0
	for _, f := range due {
		if err := r.Dispatch(ctx, f); err != nil {
			if errors.Is(err, ErrClosed) {
				return n, err
			}
			r.logger.Warn("resume dispatch", zap.String("firing", f.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Close stops accepting firings, lets workers drain their queues and waits
// for them. If ctx expires first, in-flight attempts are canceled.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	for _, l := range r.lanes {
		close(l.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// Package engine runs coaching cycles: it turns a user's context into
// reserved firings and hands them to delivery.
//
// A cycle applies automatic unlock transitions, evaluates the registry
// against the ledger history, merges pending unlock announcements, selects
// within the user's budget and reserves each selection in the ledger. Cycles
// for one user never overlap inside a process, and the ledger reservation
// re-checks cooldown and caps atomically for writers in other processes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abhisek/focuscoach/internal/compose"
	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/evaluator"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/metrics"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/scheduler"
	"github.com/abhisek/focuscoach/internal/unlock"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

// Dispatcher plans and delivers reserved firings. *delivery.Router
// implements it.
type Dispatcher interface {
	Plan(def registry.Definition, uc usercontext.UserContext) delivery.Plan
	Dispatch(ctx context.Context, f ledger.Firing) error
}

// ContextBuilder builds a user's context snapshot. *usercontext.Aggregator
// implements it.
type ContextBuilder interface {
	Build(ctx context.Context, userID string, now time.Time) (usercontext.UserContext, error)
}

// Deps are the engine's collaborators. Contexts may be nil when only
// EvaluateCycle is used.
type Deps struct {
	Registry *registry.Registry
	Ledger   ledger.Store
	Unlock   *unlock.Engine
	Composer compose.Composer
	Router   Dispatcher
	Contexts ContextBuilder
}

// Decision is one firing reserved by a cycle.
type Decision struct {
	Firing     ledger.Firing
	Definition registry.Definition
	CopySource string
}

// Engine orchestrates cycles. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
	locks  *keyedMutex
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDs overrides firing id generation.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func New(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Composer == nil {
		deps.Composer = compose.NewTemplates()
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 1
	}
	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer("focuscoach/engine"),
		locks:  newKeyedMutex(),
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateCycle runs one cycle for userID against the snapshot uc and
// reserves the selected firings in the ledger. It does not deliver them.
//
// A reservation that loses to a concurrent writer re-runs the cycle with
// fresh history, up to ConflictRetries times; after that the rest of the
// cycle is dropped. The decisions reserved so far are always returned.
func (e *Engine) EvaluateCycle(ctx context.Context, userID string, uc usercontext.UserContext, now time.Time) ([]Decision, error) {
	ctx, span := e.tracer.Start(ctx, "engine.EvaluateCycle",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	unlockUser := e.locks.Lock(userID)
	defer unlockUser()

	start := time.Now()
	var decisions []Decision
	for attempt := 0; ; attempt++ {
		got, next, err := e.cycle(ctx, userID, uc, now, len(decisions), true)
		decisions = append(decisions, got...)
		uc = next
		if err == nil {
			metrics.RecordCycle("ok", time.Since(start).Seconds())
			span.SetAttributes(attribute.Int("cycle.decisions", len(decisions)))
			return decisions, nil
		}
		if !errors.Is(err, ledger.ErrConflict) {
			metrics.RecordCycle("error", time.Since(start).Seconds())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return decisions, err
		}
		if attempt >= e.cfg.ConflictRetries {
			metrics.RecordCycle("conflict", time.Since(start).Seconds())
			e.logger.Warn("dropping cycle after repeated ledger conflict",
				zap.String("user", userID),
				zap.Int("reserved", len(decisions)),
				zap.Error(err),
			)
			span.SetAttributes(attribute.Bool("cycle.dropped", true))
			return decisions, nil
		}
		e.logger.Debug("ledger conflict, re-running cycle", zap.String("user", userID), zap.Error(err))
	}
}

// Preview computes what a cycle would reserve without writing anything:
// no unlock transitions, no reservations, no announcements marked.
func (e *Engine) Preview(ctx context.Context, userID string, uc usercontext.UserContext, now time.Time) ([]Decision, error) {
	decisions, _, err := e.cycle(ctx, userID, uc, now, 0, false)
	return decisions, err
}

// cycle returns the decisions it reserved and the context it evaluated,
// which carries any progress the unlock scan advanced. reserved counts the
// firings an earlier pass of the same cycle already reserved; they use up
// the per-cycle budget.
func (e *Engine) cycle(ctx context.Context, userID string, uc usercontext.UserContext, now time.Time, reserved int, commit bool) ([]Decision, usercontext.UserContext, error) {
	if commit {
		transitions, err := e.deps.Unlock.Scan(ctx, uc, now)
		if err != nil && !errors.Is(err, unlock.ErrConflict) {
			return nil, uc, fmt.Errorf("unlock scan: %w", err)
		}
		for _, t := range transitions {
			metrics.RecordTransition(t.To.String())
		}
		if len(transitions) > 0 || err != nil {
			progress, err := e.deps.Unlock.Store().Progress(ctx, userID)
			if err != nil {
				return nil, uc, fmt.Errorf("re-read progress: %w", err)
			}
			uc = uc.WithProgress(progress)
		}
	}

	history, err := e.deps.Ledger.Snapshot(ctx, userID, uc.DayKey())
	if err != nil {
		return nil, uc, fmt.Errorf("read history: %w", err)
	}

	res := evaluator.Evaluate(uc, e.deps.Registry, history)
	e.recordEvaluation(userID, res)

	maxRegular := 0
	for _, c := range res.Candidates {
		maxRegular = max(maxRegular, c.Priority())
	}
	announcements := evaluator.EvaluateDefinitions(uc, e.deps.Unlock.PendingAnnouncements(uc, maxRegular), history)
	e.recordEvaluation(userID, announcements)
	candidates := slices.Concat(res.Candidates, announcements.Candidates)

	sel := scheduler.Select(candidates, scheduler.Budget{
		PerCycle:  e.cfg.PerCycle - reserved,
		DailyCap:  e.cfg.DailyCap,
		UsedToday: history.UsedToday(),
	})
	if len(sel.Deferred) > 0 {
		e.logger.Debug("candidates left for a later cycle",
			zap.String("user", userID),
			zap.Strings("triggers", candidateIDs(sel.Deferred)),
		)
	}

	var decisions []Decision
	for _, c := range sel.Selected {
		def := c.Definition
		msg, err := e.deps.Composer.Compose(ctx, def, uc)
		if err != nil {
			e.logger.Warn("compose failed, skipping trigger",
				zap.String("user", userID),
				zap.String("trigger", def.ID),
				zap.Error(err),
			)
			continue
		}
		plan := e.deps.Router.Plan(def, uc)
		f := ledger.Firing{
			ID:           e.newID(),
			UserID:       userID,
			TriggerID:    def.ID,
			Methodology:  def.Methodology,
			Priority:     def.Priority,
			FiredAt:      now,
			DayKey:       uc.DayKey(),
			Channel:      plan.Channel,
			Status:       ledger.StatusPending,
			DeliverAfter: plan.DeliverAfter,
			Title:        msg.Title,
			Body:         msg.Body,
			UpdatedAt:    now,
		}
		d := Decision{Firing: f, Definition: def, CopySource: msg.Source}
		if !commit {
			decisions = append(decisions, d)
			continue
		}

		err = e.deps.Ledger.Reserve(ctx, ledger.ReserveRequest{
			Firing:    f,
			Cooldown:  def.Cooldown,
			MaxPerDay: def.MaxPerDay,
			DailyCap:  e.cfg.DailyCap,
		})
		if err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				metrics.RecordFiring(string(def.Methodology), "conflict")
			}
			return decisions, uc, err
		}
		metrics.RecordFiring(string(def.Methodology), "reserved")
		decisions = append(decisions, d)

		if def.Synthetic {
			if err := e.deps.Unlock.MarkAnnounced(ctx, userID, def.ID); err != nil {
				// The ledger's forever cooldown still keeps the
				// announcement from repeating.
				e.logger.Warn("mark announced", zap.String("user", userID), zap.String("trigger", def.ID), zap.Error(err))
			}
		}
		e.logger.Info("firing reserved",
			zap.String("user", userID),
			zap.String("trigger", def.ID),
			zap.String("firing", f.ID),
			zap.Int("priority", def.Priority),
			zap.String("channel", string(f.Channel)),
			zap.Time("deliver_after", f.DeliverAfter),
		)
	}
	return decisions, uc, nil
}

func (e *Engine) recordEvaluation(userID string, res evaluator.Result) {
	for _, c := range res.Candidates {
		metrics.RecordCandidate(string(c.Definition.Methodology))
	}
	for _, s := range res.Skipped {
		metrics.RecordSkip(string(s.Reason))
		if s.Err != nil {
			e.logger.Warn("trigger skipped",
				zap.String("user", userID),
				zap.String("trigger", s.TriggerID),
				zap.Bool("missing_field", s.MissingField()),
				zap.Error(s.Err),
			)
		}
	}
}

func candidateIDs(cs []evaluator.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID()
	}
	return out
}

// Run builds userID's context, runs a cycle and dispatches its decisions.
// A user whose context is unavailable is skipped with an error wrapping
// usercontext.ErrContextUnavailable.
func (e *Engine) Run(ctx context.Context, userID string, now time.Time) ([]Decision, error) {
	if e.deps.Contexts == nil {
		return nil, errors.New("engine has no context builder")
	}
	ctx, span := e.tracer.Start(ctx, "engine.Run", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	uc, err := e.deps.Contexts.Build(ctx, userID, now)
	if err != nil {
		if errors.Is(err, usercontext.ErrContextUnavailable) {
			metrics.RecordCycle("skipped", 0)
		}
		return nil, err
	}
	decisions, err := e.EvaluateCycle(ctx, userID, uc, now)
	e.dispatch(ctx, decisions)
	return decisions, err
}

func (e *Engine) dispatch(ctx context.Context, decisions []Decision) {
	for _, d := range decisions {
		if err := e.deps.Router.Dispatch(ctx, d.Firing); err != nil {
			e.logger.Warn("dispatch",
				zap.String("user", d.Firing.UserID),
				zap.String("firing", d.Firing.ID),
				zap.Error(err),
			)
		}
	}
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	Users   int
	Fired   int
	Skipped int
	Failed  int
}

// Sweep runs a cycle for every user, SweepConcurrency at a time. One
// user's failure never stops the others; only ctx cancellation ends the
// sweep early.
func (e *Engine) Sweep(ctx context.Context, users []string, now time.Time) (SweepReport, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Sweep", trace.WithAttributes(attribute.Int("sweep.users", len(users))))
	defer span.End()

	var fired, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepConcurrency)
	for _, u := range users {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			decisions, err := e.Run(gctx, u, now)
			fired.Add(int64(len(decisions)))
			switch {
			case err == nil:
			case errors.Is(err, usercontext.ErrContextUnavailable):
				skipped.Add(1)
				e.logger.Debug("user skipped", zap.String("user", u), zap.Error(err))
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				failed.Add(1)
				e.logger.Error("cycle failed", zap.String("user", u), zap.Error(err))
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	report := SweepReport{
		Users:   len(users),
		Fired:   int(fired.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	e.logger.Info("sweep finished",
		zap.Int("users", report.Users),
		zap.Int("fired", report.Fired),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, err
}

// SelectMethodology records the user's explicit choice of m. The next
// cycle announces the unlock.
func (e *Engine) SelectMethodology(ctx context.Context, userID string, m methodology.Methodology, now time.Time) (*unlock.StateTransition, error) {
	unlockUser := e.locks.Lock(userID)
	defer unlockUser()

	t, err := e.deps.Unlock.Select(ctx, userID, m, now)
	if err != nil {
		return nil, err
	}
	if t != nil {
		metrics.RecordTransition(t.To.String())
	}
	return t, nil
}

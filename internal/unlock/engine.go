// Package unlock drives the progressive unlock state machine:
//
//	locked -> eligible -> unlocked -> active
//
// Eligibility follows cross-methodology usage, unlocking requires an
// explicit user selection, and activation follows the first completed
// session after the unlock. States never move backwards.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/abhisek/focuscoach/internal/condition"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

var (
	ErrNotEligible       = errors.New("methodology is not eligible")
	ErrInvalidTransition = errors.New("invalid unlock transition")
	ErrConflict          = errors.New("unlock progress changed concurrently")
)

// StateTransition records a committed state change.
type StateTransition struct {
	UserID      string
	Methodology methodology.Methodology
	From        methodology.State
	To          methodology.State
	Trigger     string // "usage-threshold", "user-selection", "first-session", "external"
	At          time.Time
}

// Engine owns every MethodologyProgress write.
type Engine struct {
	cfg    Config
	store  ProgressStore
	logger *zap.Logger
}

// NewEngine creates an unlock engine.
func NewEngine(cfg Config, store ProgressStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, store: store, logger: logger}
}

// Store returns the engine's progress store.
func (e *Engine) Store() ProgressStore { return e.store }

// Scan applies the automatic transitions implied by uc: locked to eligible
// when the usage threshold is met, unlocked to active after a completed
// session in the methodology. It never advances eligible to unlocked.
func (e *Engine) Scan(ctx context.Context, uc usercontext.UserContext, now time.Time) ([]StateTransition, error) {
	var out []StateTransition
	totals := uc.Totals()
	for _, m := range methodology.All() {
		p := uc.Progress(m)
		var (
			to      methodology.State
			trigger string
		)
		switch p.Effective() {
		case methodology.StateLocked:
			th, ok := e.cfg.threshold(m)
			if !ok || totals.CompletedSessions < th.CompletedSessions || totals.FocusMinutes < th.FocusMinutes {
				continue
			}
			to, trigger = methodology.StateEligible, "usage-threshold"
		case methodology.StateUnlocked:
			// Sessions before the unlock do not count.
			if !uc.Usage(m).LastCompletedAt.After(p.UnlockedAt) {
				continue
			}
			to, trigger = methodology.StateActive, "first-session"
		default:
			continue
		}
		t, err := e.advance(ctx, uc.UserID(), p, to, now, trigger)
		if err != nil {
			return out, err
		}
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

// Select records the user's explicit choice of m, moving it from eligible
// to unlocked. Selecting an already unlocked methodology is a no-op.
func (e *Engine) Select(ctx context.Context, userID string, m methodology.Methodology, now time.Time) (*StateTransition, error) {
	return e.transition(ctx, userID, m, methodology.StateUnlocked, now, "user-selection")
}

// RecordTransition moves (userID, m) forward to state to. Repeating a
// transition, or requesting a lower state, returns nil without writing.
// Skipping a state is refused.
func (e *Engine) RecordTransition(ctx context.Context, userID string, m methodology.Methodology, to methodology.State, now time.Time) (*StateTransition, error) {
	return e.transition(ctx, userID, m, to, now, "external")
}

func (e *Engine) transition(ctx context.Context, userID string, m methodology.Methodology, to methodology.State, now time.Time, trigger string) (*StateTransition, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("%w: unknown methodology %q", ErrInvalidTransition, m)
	}
	if to < methodology.StateEligible || to > methodology.StateActive {
		return nil, fmt.Errorf("%w: target state %s", ErrInvalidTransition, to)
	}
	all, err := e.store.Progress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}
	p, ok := all[m]
	if !ok {
		p = methodology.Progress{Methodology: m, State: methodology.StateLocked}
	}
	cur := p.Effective()
	if to <= cur {
		return nil, nil
	}
	if to > cur+1 {
		if to == methodology.StateUnlocked {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotEligible, m, cur)
		}
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, m, cur, to)
	}
	return e.advance(ctx, userID, p, to, now, trigger)
}

// advance performs the conditional write from the stored state of p. When
// the write loses to a concurrent writer that already reached to, the
// result is a no-op.
func (e *Engine) advance(ctx context.Context, userID string, p methodology.Progress, to methodology.State, now time.Time, trigger string) (*StateTransition, error) {
	from := p.Effective()
	applied, err := e.store.Advance(ctx, userID, p.Methodology, p.State, to, now)
	if err != nil {
		return nil, fmt.Errorf("advance %s to %s: %w", p.Methodology, to, err)
	}
	if !applied {
		all, err := e.store.Progress(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("re-read progress: %w", err)
		}
		if cur, ok := all[p.Methodology]; ok && cur.Effective() >= to {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrConflict, userID, p.Methodology)
	}

	e.logger.Info("methodology transition",
		zap.String("user", userID),
		zap.String("methodology", string(p.Methodology)),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("trigger", trigger),
	)
	return &StateTransition{
		UserID:      userID,
		Methodology: p.Methodology,
		From:        from,
		To:          to,
		Trigger:     trigger,
		At:          now,
	}, nil
}

// PendingAnnouncements returns one synthetic trigger per methodology whose
// current state has not been announced yet. Their priority sits above
// maxRegular, the highest regular candidate priority of the cycle.
func (e *Engine) PendingAnnouncements(uc usercontext.UserContext, maxRegular int) []registry.Definition {
	priority := e.cfg.AnnouncePriority
	if maxRegular >= priority {
		priority = maxRegular + 1
	}
	var out []registry.Definition
	for _, m := range methodology.All() {
		p := uc.Progress(m)
		st := p.Effective()
		if st == methodology.StateLocked || p.IsAnnounced(st) {
			continue
		}
		title, body := announcement(m, st)
		out = append(out, registry.Definition{
			ID:          registry.UnlockID(m, st),
			Methodology: m,
			Condition:   condition.All{},
			Priority:    priority,
			Channel:     e.cfg.AnnounceChannel,
			Cooldown:    registry.Forever,
			MaxPerDay:   1,
			Gate:        registry.GateNone,
			Title:       title,
			Body:        body,
			Synthetic:   true,
		})
	}
	return out
}

// MarkAnnounced records that the announcement with the given synthetic id
// was reserved in the ledger.
func (e *Engine) MarkAnnounced(ctx context.Context, userID, triggerID string) error {
	m, st, ok := registry.ParseUnlockID(triggerID)
	if !ok {
		return fmt.Errorf("%w: not an announcement id %q", ErrInvalidTransition, triggerID)
	}
	return e.store.MarkAnnounced(ctx, userID, m, st)
}

func announcement(m methodology.Methodology, st methodology.State) (string, string) {
	name := methodology.DisplayName(m)
	switch st {
	case methodology.StateEligible:
		return name + " is ready for you",
			"You have built enough momentum to try " + name + ". Select it when you want to start."
	case methodology.StateUnlocked:
		return name + " unlocked",
			"Your first " + name + " session is one tap away."
	default:
		return name + " is part of your routine",
			"You completed your first " + name + " session."
	}
}

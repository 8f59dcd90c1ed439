// Package evaluator decides which triggers are candidates for a user.
//
// Evaluation is a pure function of the context snapshot, the registry and
// the firing history: the same inputs always yield the same result, and the
// order in which triggers are checked never changes it.
package evaluator

import (
	"errors"
	"sort"
	"time"

	"github.com/abhisek/focuscoach/internal/condition"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

// History is the firing bookkeeping the evaluator needs.
type History interface {
	LastFiredAt(triggerID string) (time.Time, bool)
	CountToday(triggerID string) int
}

// Candidate is a trigger eligible to fire this cycle.
type Candidate struct {
	Definition registry.Definition

	// UnlockedAt is when the trigger's ranking methodology was unlocked;
	// zero when unknown.
	UnlockedAt time.Time
}

func (c Candidate) ID() string    { return c.Definition.ID }
func (c Candidate) Priority() int { return c.Definition.Priority }

// SkipReason says why a trigger whose gate passed did not become a
// candidate.
type SkipReason string

const (
	SkipError    SkipReason = "error"
	SkipCooldown SkipReason = "cooldown"
	SkipDailyCap SkipReason = "daily_cap"
)

// Skip records a trigger left out of the candidate set.
type Skip struct {
	TriggerID string
	Reason    SkipReason
	Err       error
}

// MissingField reports whether the skip came from an absent context field.
func (s Skip) MissingField() bool {
	return errors.Is(s.Err, condition.ErrMissingField)
}

// Result is the outcome of one evaluation. Both slices are sorted by
// trigger id.
type Result struct {
	Candidates []Candidate
	Skipped    []Skip
}

// Evaluate checks every trigger whose gate passes for uc: triggers of each
// methodology in a sufficient unlock state, plus the cross namespace.
func Evaluate(uc usercontext.UserContext, reg *registry.Registry, h History) Result {
	var defs []registry.Definition
	for _, m := range methodology.All() {
		state := uc.State(m)
		for _, d := range reg.ByMethodology(m) {
			if d.Gate.Allows(state) {
				defs = append(defs, d)
			}
		}
	}
	for _, d := range reg.ByMethodology(methodology.Cross) {
		if d.Related == "" || d.Gate.Allows(uc.State(d.Related)) {
			defs = append(defs, d)
		}
	}
	return EvaluateDefinitions(uc, defs, h)
}

// EvaluateDefinitions applies the candidate rule to an explicit trigger
// list: the predicate holds, no firing lies within the cooldown, and
// today's count is below the trigger's cap.
func EvaluateDefinitions(uc usercontext.UserContext, defs []registry.Definition, h History) Result {
	var res Result
	now := uc.Now()
	for _, d := range defs {
		ok, err := d.Condition.Eval(uc)
		if err != nil {
			res.Skipped = append(res.Skipped, Skip{TriggerID: d.ID, Reason: SkipError, Err: err})
			continue
		}
		if !ok {
			continue
		}
		if reason, suppressed := Suppressed(d, now, h); suppressed {
			res.Skipped = append(res.Skipped, Skip{TriggerID: d.ID, Reason: reason})
			continue
		}
		res.Candidates = append(res.Candidates, Candidate{
			Definition: d,
			UnlockedAt: uc.UnlockedAt(d.RankMethodology()),
		})
	}
	sort.Slice(res.Candidates, func(i, j int) bool { return res.Candidates[i].ID() < res.Candidates[j].ID() })
	sort.SliceStable(res.Skipped, func(i, j int) bool { return res.Skipped[i].TriggerID < res.Skipped[j].TriggerID })
	return res
}

// Suppressed applies the cooldown and per-day cap checks to d at now.
func Suppressed(d registry.Definition, now time.Time, h History) (SkipReason, bool) {
	if last, ok := h.LastFiredAt(d.ID); ok && d.Cooldown > 0 && now.Sub(last) < d.Cooldown {
		return SkipCooldown, true
	}
	if d.MaxPerDay > 0 && h.CountToday(d.ID) >= d.MaxPerDay {
		return SkipDailyCap, true
	}
	return "", false
}

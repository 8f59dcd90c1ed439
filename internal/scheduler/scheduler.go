// Package scheduler arbitrates between candidate firings. It is the layer
// that bounds how many notifications a user receives.
package scheduler

import (
	"sort"

	"github.com/abhisek/focuscoach/internal/evaluator"
)

// Budget limits a selection. Non-positive limits allow nothing.
type Budget struct {
	PerCycle  int
	DailyCap  int
	UsedToday int
}

// Remaining returns how many firings may still be selected this cycle.
func (b Budget) Remaining() int {
	n := b.DailyCap - b.UsedToday
	if b.PerCycle < n {
		n = b.PerCycle
	}
	if n < 0 {
		return 0
	}
	return n
}

// Selection splits candidates into those chosen this cycle and those left
// for a later cycle, both in rank order.
type Selection struct {
	Selected []evaluator.Candidate
	Deferred []evaluator.Candidate
}

// Less ranks a before b: higher priority first, then cross triggers, then
// the more recently unlocked methodology, then trigger id.
func Less(a, b evaluator.Candidate) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() > b.Priority()
	}
	if ac, bc := a.Definition.IsCross(), b.Definition.IsCross(); ac != bc {
		return ac
	}
	if !a.UnlockedAt.Equal(b.UnlockedAt) {
		// A zero time sorts last.
		return a.UnlockedAt.After(b.UnlockedAt)
	}
	return a.ID() < b.ID()
}

// Order returns a ranked copy of cands.
func Order(cands []evaluator.Candidate) []evaluator.Candidate {
	out := make([]evaluator.Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Select ranks cands and takes the top entries the budget allows.
func Select(cands []evaluator.Candidate, b Budget) Selection {
	ranked := Order(cands)
	k := b.Remaining()
	if k > len(ranked) {
		k = len(ranked)
	}
	return Selection{Selected: ranked[:k:k], Deferred: ranked[k:]}
}

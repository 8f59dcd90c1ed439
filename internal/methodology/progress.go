package methodology

import (
	"fmt"
	"time"
)

// State represents a methodology's position in the progressive unlock
// lifecycle. States are ordered; transitions only move forward.
type State int

const (
	StateLocked   State = iota // Usage gate not yet met
	StateEligible              // Gate met; waiting for the user to select it
	StateUnlocked              // Selected by the user
	StateActive                // At least one completed session in it
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateEligible:
		return "eligible"
	case StateUnlocked:
		return "unlocked"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState converts a state name into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "locked":
		return StateLocked, nil
	case "eligible":
		return StateEligible, nil
	case "unlocked":
		return StateUnlocked, nil
	case "active":
		return StateActive, nil
	}
	return StateLocked, fmt.Errorf("unknown unlock state %q", s)
}

// Progress is one user's unlock record for one methodology.
type Progress struct {
	Methodology Methodology
	State       State
	EligibleAt  time.Time
	UnlockedAt  time.Time
	ActivatedAt time.Time

	// Announced holds the states whose announcement firing has been
	// reserved in the ledger.
	Announced map[State]bool
}

// Effective returns the lowest state consistent with the recorded
// timestamps. A record claiming unlocked or active without the user's
// selection ever being observed falls back to eligible (or locked when
// eligibility was never observed either).
func (p Progress) Effective() State {
	if p.State >= StateUnlocked && p.UnlockedAt.IsZero() {
		if p.EligibleAt.IsZero() {
			return StateLocked
		}
		return StateEligible
	}
	if p.State == StateActive && p.ActivatedAt.IsZero() {
		return StateUnlocked
	}
	return p.State
}

// IsAnnounced reports whether the announcement for s was already reserved.
func (p Progress) IsAnnounced(s State) bool {
	return p.Announced[s]
}

// Clone returns a deep copy of p.
func (p Progress) Clone() Progress {
	out := p
	if p.Announced != nil {
		out.Announced = make(map[State]bool, len(p.Announced))
		for k, v := range p.Announced {
			out.Announced[k] = v
		}
	}
	return out
}

package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/condition"
	"github.com/abhisek/focuscoach/internal/methodology"
)

// UnlockPrefix is the id namespace reserved for synthetic unlock
// announcements.
const UnlockPrefix = "unlock."

// Gate is the unlock state a trigger's methodology must have reached before
// the trigger is considered.
type Gate string

const (
	GateUnlocked Gate = "unlocked"
	GateActive   Gate = "active"
	GateNone     Gate = "none"
)

// Allows reports whether a methodology in state s passes the gate.
func (g Gate) Allows(s methodology.State) bool {
	switch g {
	case GateNone:
		return true
	case GateActive:
		return s >= methodology.StateActive
	default:
		return s >= methodology.StateUnlocked
	}
}

func (g Gate) valid() bool {
	return g == GateUnlocked || g == GateActive || g == GateNone
}

// Forever is the cooldown used by triggers that may fire only once per user.
const Forever = 100 * 365 * 24 * time.Hour

// Definition is one trigger: a named rule that, when its condition holds
// and it is not suppressed by cooldown or cap, may notify the user.
type Definition struct {
	ID          string
	Methodology methodology.Methodology
	Condition   condition.Predicate
	Priority    int
	Channel     channel.Channel
	Cooldown    time.Duration
	MaxPerDay   int // 0 means no per-trigger daily cap
	Gate        Gate

	// Related breaks ties between cross triggers: the more recently
	// unlocked related methodology ranks first.
	Related methodology.Methodology

	Title string
	Body  string

	// Synthetic marks definitions produced at runtime rather than loaded
	// from the catalog.
	Synthetic bool
}

// IsCross reports whether the trigger belongs to the cross namespace.
func (d Definition) IsCross() bool {
	return d.Methodology == methodology.Cross
}

// RankMethodology returns the methodology whose unlock time orders this
// trigger among equal-priority peers.
func (d Definition) RankMethodology() methodology.Methodology {
	if d.IsCross() {
		return d.Related
	}
	return d.Methodology
}

// Tier returns the delivery tier of the trigger's base priority.
func (d Definition) Tier() channel.Tier {
	return channel.TierFor(d.Priority)
}

func (d Definition) String() string {
	return fmt.Sprintf("%s[%s p=%d]", d.ID, d.Methodology, d.Priority)
}

// IsUnlockID reports whether id lies in the reserved synthetic namespace.
func IsUnlockID(id string) bool {
	return strings.HasPrefix(id, UnlockPrefix)
}

// UnlockID builds the synthetic announcement id for a transition.
func UnlockID(m methodology.Methodology, s methodology.State) string {
	return UnlockPrefix + string(m) + "." + s.String()
}

// ParseUnlockID splits a synthetic announcement id into its methodology and
// state.
func ParseUnlockID(id string) (methodology.Methodology, methodology.State, bool) {
	rest, ok := strings.CutPrefix(id, UnlockPrefix)
	if !ok {
		return "", 0, false
	}
	m, st, ok := strings.Cut(rest, ".")
	if !ok {
		return "", 0, false
	}
	s, err := methodology.ParseState(st)
	if err != nil || !methodology.Methodology(m).IsValid() {
		return "", 0, false
	}
	return methodology.Methodology(m), s, true
}

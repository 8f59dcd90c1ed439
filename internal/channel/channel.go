package channel

import "fmt"

// Channel names a delivery channel.
type Channel string

const (
	Push   Channel = "push"
	Email  Channel = "email"
	Stream Channel = "stream" // in-app real-time stream
)

// All returns every known channel.
func All() []Channel {
	return []Channel{Push, Email, Stream}
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case Push, Email, Stream:
		return true
	}
	return false
}

// Parse converts a string into a Channel.
func Parse(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// Tier buckets priorities for channel preferences.
type Tier string

const (
	TierHigh   Tier = "high"
	TierNormal Tier = "normal"
	TierLow    Tier = "low"
)

const (
	highPriority   = 50
	normalPriority = 10
)

// TierFor returns the preference tier of a priority.
func TierFor(priority int) Tier {
	switch {
	case priority >= highPriority:
		return TierHigh
	case priority >= normalPriority:
		return TierNormal
	default:
		return TierLow
	}
}

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierHigh, TierNormal, TierLow:
		return t, nil
	}
	return "", fmt.Errorf("unknown priority tier %q", s)
}

package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/abhisek/focuscoach/internal/channel"
)

var (
	ErrClosed         = errors.New("delivery router closed")
	ErrQueueFull      = errors.New("delivery queue full")
	ErrUnknownChannel = errors.New("no adapter for channel")
	ErrNoSubscription = errors.New("no subscription for channel")
)

// ErrTransient marks a failure worth retrying on the same channel.
type ErrTransient struct {
	Channel    channel.Channel
	RetryAfter time.Duration
	Err        error
}

func (e *ErrTransient) Error() string {
	return fmt.Sprintf("%s delivery failed (transient): %v", e.Channel, e.Err)
}

func (e *ErrTransient) Unwrap() error { return e.Err }

// ErrPermanent marks a failure that retrying on the same channel cannot
// fix, such as a rejected payload or a missing subscription.
type ErrPermanent struct {
	Channel channel.Channel
	Err     error
}

func (e *ErrPermanent) Error() string {
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *ErrPermanent) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried. Errors of unknown
// shape, such as network failures and attempt timeouts, are transient.
func IsTransient(err error) bool {
	var perm *ErrPermanent
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, ErrNoSubscription) && !errors.Is(err, ErrUnknownChannel)
}

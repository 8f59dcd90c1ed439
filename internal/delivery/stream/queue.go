// Package stream implements the in-app real-time channel: a durable
// per-user queue of firings read by websocket consumers.
//
// Entries stay pending until the consumer acknowledges them, so a consumer
// that reconnects first receives what it has not yet acknowledged and then
// new entries. Acknowledgement is keyed by firing id and idempotent.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/abhisek/focuscoach/internal/delivery"
)

// ErrUnknownFiring is returned by Ack for a firing never appended.
var ErrUnknownFiring = errors.New("firing not in stream")

// Entry is one queued firing.
type Entry struct {
	ID      string // queue-assigned entry id
	Payload delivery.Payload
}

// Queue is a durable per-user firing queue.
type Queue interface {
	// Append adds the firing to the user's queue. Appending a firing id
	// twice returns the existing entry id.
	Append(ctx context.Context, userID string, p delivery.Payload) (string, error)

	// Pending returns entries handed to consumer but not yet acknowledged,
	// oldest first.
	Pending(ctx context.Context, userID, consumer string) ([]Entry, error)

	// Read waits up to block for entries never handed to any consumer of
	// the user. It returns an empty slice on timeout.
	Read(ctx context.Context, userID, consumer string, block time.Duration) ([]Entry, error)

	// Ack acknowledges a firing. It reports whether this call acknowledged
	// it, false when it already was.
	Ack(ctx context.Context, userID, firingID string) (bool, error)
}

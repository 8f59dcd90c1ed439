// Package ledger defines the firing and delivery record contract.
//
// The ledger is the single source of truth for what fired and what was
// delivered. Cooldown and cap checks read it through History, and the only
// way to create a firing is Reserve, an atomic conditional write that
// re-checks those limits at insert time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/methodology"
)

var (
	// ErrConflict means a conditional write lost against a concurrent writer
	// or a limit that changed since it was read.
	ErrConflict = errors.New("ledger conflict")

	ErrNotFound          = errors.New("firing not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ConflictError reports why a reservation was refused.
type ConflictError struct {
	UserID    string
	TriggerID string
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger conflict for %s/%s: %s", e.UserID, e.TriggerID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Status is the delivery state of a firing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusDismissed Status = "dismissed"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusDelivered, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead, StatusDismissed, StatusFailed},
	StatusDelivered: {StatusRead, StatusDismissed},
}

// CanTransition reports whether a firing may move from s to next. Statuses
// only move forward; read and dismissed are reachable from sent or delivered
// through user action.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// ParseStatus converts a status name into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusDismissed, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown firing status %q", s)
}

// Firing is one ledger record: a trigger selected for a user in a cycle.
type Firing struct {
	ID           string
	UserID       string
	TriggerID    string
	Methodology  methodology.Methodology
	Priority     int
	FiredAt      time.Time
	DayKey       string // YYYY-MM-DD in the user's zone
	Channel      channel.Channel
	Status       Status
	DeliverAfter time.Time
	Title        string
	Body         string
	UpdatedAt    time.Time
}

// Outcome classifies a delivery attempt.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Attempt is one delivery try of a firing on one channel.
type Attempt struct {
	FiringID string
	Seq      int64
	Channel  channel.Channel
	Number   int
	Outcome  Outcome
	Error    string
	At       time.Time
}

// ReserveRequest asks the ledger to create Firing only if, at insert time,
// no record for the same user and trigger lies within Cooldown of it, the
// trigger has fewer than MaxPerDay records on DayKey, and the user has fewer
// than DailyCap records on DayKey. Zero limits are unbounded.
type ReserveRequest struct {
	Firing    Firing
	Cooldown  time.Duration
	MaxPerDay int
	DailyCap  int
}

// Filter narrows ListFirings.
type Filter struct {
	UserID string
	Status Status
	Limit  int
}

// Store is the durable ledger collaborator.
type Store interface {
	// Snapshot returns the user's firing history relevant to dayKey.
	Snapshot(ctx context.Context, userID, dayKey string) (History, error)
	LastFiredAt(ctx context.Context, userID, triggerID string) (time.Time, bool, error)
	CountToday(ctx context.Context, userID, triggerID, dayKey string) (int, error)
	LastFiredByTrigger(ctx context.Context, userID string) (map[string]time.Time, error)

	// Reserve atomically inserts a pending firing or fails with a
	// *ConflictError.
	Reserve(ctx context.Context, req ReserveRequest) error
	UpdateStatus(ctx context.Context, id string, to Status, ch channel.Channel, at time.Time) error
	Defer(ctx context.Context, id string, until time.Time) error
	AppendAttempt(ctx context.Context, a Attempt) (Attempt, error)

	Get(ctx context.Context, id string) (Firing, error)
	Attempts(ctx context.Context, firingID string) ([]Attempt, error)
	List(ctx context.Context, f Filter) ([]Firing, error)
	// DuePending returns pending firings whose deliver-after is at or
	// before now, oldest first.
	DuePending(ctx context.Context, now time.Time) ([]Firing, error)
}

// CheckTransition validates a status change, treating a repeat of the
// current status as a no-op.
func CheckTransition(id string, from, to Status) (noop bool, err error) {
	if from == to {
		return true, nil
	}
	if !from.CanTransition(to) {
		return false, fmt.Errorf("%w: firing %s %s -> %s", ErrInvalidTransition, id, from, to)
	}
	return false, nil
}

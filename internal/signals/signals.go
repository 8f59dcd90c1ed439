// Package signals reads the raw activity a coaching cycle is built from:
// focus sessions, tasks and profile settings, plus each user's delivery
// subscriptions. Postgres serves production; File serves local runs and
// tests.
package signals

import (
	"context"

	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

// Source is a SignalSource that also resolves subscriptions and lists the
// users a sweep should visit.
type Source interface {
	usercontext.SignalSource
	delivery.SubscriptionResolver

	// Users returns every user with a profile, ordered by id.
	Users(ctx context.Context) ([]string, error)
}

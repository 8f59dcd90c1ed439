package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/ledger"
)

// Result is a successful attempt. Status is sent when the channel only
// accepted the firing, delivered when receipt is confirmed.
type Result struct {
	Status ledger.Status
	Detail string
}

// Channel is a delivery adapter. Deliver must honor ctx cancellation.
type Channel interface {
	Name() channel.Channel
	Deliver(ctx context.Context, f ledger.Firing) (Result, error)
}

// Subscription is the opaque endpoint capability of one user on one
// channel: a push endpoint, an email address, a stream id.
type Subscription struct {
	UserID   string
	Channel  channel.Channel
	Endpoint string
}

// SubscriptionResolver looks up a user's endpoint for a channel. It returns
// ErrNoSubscription when the user has none.
type SubscriptionResolver interface {
	Resolve(ctx context.Context, userID string, ch channel.Channel) (Subscription, error)
}

// StaticResolver is an in-memory SubscriptionResolver.
type StaticResolver struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewStaticResolver(subs ...Subscription) *StaticResolver {
	r := &StaticResolver{subs: make(map[string]Subscription)}
	for _, s := range subs {
		r.Put(s)
	}
	return r
}

// Put adds or replaces a subscription.
func (r *StaticResolver) Put(s Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.UserID+"/"+string(s.Channel)] = s
}

func (r *StaticResolver) Resolve(_ context.Context, userID string, ch channel.Channel) (Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[userID+"/"+string(ch)]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s/%s", ErrNoSubscription, userID, ch)
	}
	return s, nil
}

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/ledger"
)

// Payload is the JSON body posted to a subscription endpoint.
type Payload struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	TriggerID   string    `json:"trigger_id"`
	Methodology string    `json:"methodology"`
	Priority    int       `json:"priority"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	FiredAt     time.Time `json:"fired_at"`
}

// PayloadFor builds the wire payload of a firing.
func PayloadFor(f ledger.Firing) Payload {
	return Payload{
		ID:          f.ID,
		UserID:      f.UserID,
		TriggerID:   f.TriggerID,
		Methodology: string(f.Methodology),
		Priority:    f.Priority,
		Title:       f.Title,
		Body:        f.Body,
		FiredAt:     f.FiredAt,
	}
}

// Webhook delivers firings by posting them to the user's subscription
// endpoint, leaving the push or email protocol to the gateway behind it.
type Webhook struct {
	name     channel.Channel
	resolver SubscriptionResolver
	client   *http.Client
}

var _ Channel = (*Webhook)(nil)

// NewWebhook creates a webhook adapter for ch. A nil client uses
// http.DefaultClient; per-attempt timeouts come from the router.
func NewWebhook(ch channel.Channel, resolver SubscriptionResolver, client *http.Client) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{name: ch, resolver: resolver, client: client}
}

func (w *Webhook) Name() channel.Channel { return w.name }

func (w *Webhook) Deliver(ctx context.Context, f ledger.Firing) (Result, error) {
	sub, err := w.resolver.Resolve(ctx, f.UserID, w.name)
	if err != nil {
		if errors.Is(err, ErrNoSubscription) {
			return Result{}, &ErrPermanent{Channel: w.name, Err: err}
		}
		return Result{}, &ErrTransient{Channel: w.name, Err: err}
	}

	body, err := json.Marshal(PayloadFor(f))
	if err != nil {
		return Result{}, &ErrPermanent{Channel: w.name, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, &ErrPermanent{Channel: w.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", f.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, &ErrTransient{Channel: w.name, Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Status: ledger.StatusSent, Detail: resp.Status}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, &ErrTransient{
			Channel:    w.name,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("endpoint returned %s", resp.Status),
		}
	case resp.StatusCode >= 500:
		return Result{}, &ErrTransient{Channel: w.name, Err: fmt.Errorf("endpoint returned %s: %s", resp.Status, snippet)}
	default:
		return Result{}, &ErrPermanent{Channel: w.name, Err: fmt.Errorf("endpoint returned %s: %s", resp.Status, snippet)}
	}
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

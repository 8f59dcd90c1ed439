package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
)

func webhookFiring() ledger.Firing {
	return ledger.Firing{
		ID:          "fir-1",
		UserID:      "u1",
		TriggerID:   "pomodoro.morning_nudge",
		Methodology: methodology.Pomodoro,
		Priority:    10,
		FiredAt:     t0,
		Title:       "Start your first pomodoro",
		Body:        "A 25 minute block is enough to get going.",
	}
}

func TestWebhook_Deliver(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantStatus ledger.Status
		transient  bool
		permanent  bool
		wantWait   time.Duration
	}{
		{name: "accepted", status: http.StatusAccepted, wantStatus: ledger.StatusSent},
		{name: "ok", status: http.StatusOK, wantStatus: ledger.StatusSent},
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", transient: true, wantWait: 7 * time.Second},
		{name: "rate limited without header", status: http.StatusTooManyRequests, transient: true},
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "gone", status: http.StatusGone, permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKey string
			var got Payload
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKey = r.Header.Get("Idempotency-Key")
				_ = json.NewDecoder(r.Body).Decode(&got)
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resolver := NewStaticResolver(Subscription{UserID: "u1", Channel: channel.Push, Endpoint: srv.URL})
			wh := NewWebhook(channel.Push, resolver, srv.Client())

			res, err := wh.Deliver(context.Background(), webhookFiring())
			assert.Equal(t, "fir-1", gotKey)
			assert.Equal(t, "pomodoro.morning_nudge", got.TriggerID)
			assert.Equal(t, "Start your first pomodoro", got.Title)

			switch {
			case tt.transient:
				require.Error(t, err)
				assert.True(t, IsTransient(err))
				var te *ErrTransient
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.wantWait, te.RetryAfter)
			case tt.permanent:
				require.Error(t, err)
				assert.False(t, IsTransient(err))
				var pe *ErrPermanent
				assert.ErrorAs(t, err, &pe)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, res.Status)
			}
		})
	}
}

func TestWebhook_NoSubscriptionIsPermanent(t *testing.T) {
	wh := NewWebhook(channel.Email, NewStaticResolver(), nil)
	_, err := wh.Deliver(context.Background(), webhookFiring())
	require.Error(t, err)
	var pe *ErrPermanent
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrNoSubscription)
}

func TestWebhook_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	resolver := NewStaticResolver(Subscription{UserID: "u1", Channel: channel.Push, Endpoint: url})
	wh := NewWebhook(channel.Push, resolver, nil)
	_, err := wh.Deliver(context.Background(), webhookFiring())
	assert.True(t, IsTransient(err))
}

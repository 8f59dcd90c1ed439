package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abhisek/focuscoach/internal/config"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/registry"
)

// testConfig points every webhook subscription at a local endpoint that
// accepts all deliveries.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	doc := `{
  "users": [
    {"user_id": "ana", "profile": {"time_zone": "Europe/Lisbon", "current_methodology": "pomodoro"}},
    {"user_id": "bo", "profile": {"time_zone": "UTC", "current_methodology": "kanban"}}
  ],
  "subscriptions": [
    {"user_id": "ana", "channel": "push", "endpoint": "` + srv.URL + `/ana"},
    {"user_id": "bo", "channel": "push", "endpoint": "` + srv.URL + `/bo"}
  ]
}`
	signalsPath := filepath.Join(dir, "signals.json")
	require.NoError(t, os.WriteFile(signalsPath, []byte(doc), 0o644))

	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "data", "coach.db")
	cfg.SignalsFile = signalsPath
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.SweepInterval = 0
	cfg.Delivery.InitialWait = time.Millisecond
	cfg.Delivery.MaxWait = time.Millisecond
	return cfg
}

func TestLoadRegistry(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	assert.Positive(t, reg.Len())

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
triggers:
  - id: pomodoro.bad_copy
    methodology: pomodoro
    priority: 1
    channel: push
    cooldown: 1h
    max_per_day: 1
    title: "{{.Mood}}"
    body: "b"
    when:
      compare: {field: sessions_today, op: "==", value: 0}
`), 0o644))
	_, err = LoadRegistry(bad)
	assert.ErrorIs(t, err, registry.ErrRegistryInvalid)

	_, err = LoadRegistry(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestOpen_RequiresSignalSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.SignalsFile = ""
	_, err := Open(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "no signal source")
}

func TestOpen_SweepAndClose(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)

	// Pomodoro needs no usage, so the first sweep announces it to both.
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	report, err := a.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Users)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Skipped)

	fired, err := a.Store.Ledger().List(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, fired, report.Fired)
	announced := map[string]bool{}
	for _, f := range fired {
		if f.TriggerID == registry.UnlockID(methodology.Pomodoro, methodology.StateEligible) {
			announced[f.UserID] = true
		}
	}
	assert.Equal(t, map[string]bool{"ana": true, "bo": true}, announced)

	require.Eventually(t, func() bool {
		pending, err := a.Store.Ledger().List(ctx, ledger.Filter{Status: ledger.StatusPending})
		return err == nil && len(pending) == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close(ctx))
}

func TestServe_StopsWithContext(t *testing.T) {
	a, err := Open(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

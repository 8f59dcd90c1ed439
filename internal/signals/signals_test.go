package signals

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func TestFile_Signals(t *testing.T) {
	ctx := context.Background()
	f, err := OpenFile(filepath.Join("testdata", "signals.json"))
	require.NoError(t, err)

	users, err := f.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ana", "bo"}, users)

	s, err := f.Signals(ctx, "ana", now)
	require.NoError(t, err)
	require.NotNil(t, s.Profile)
	assert.Equal(t, methodology.Pomodoro, s.Profile.CurrentMethodology)
	assert.Equal(t, "stream", s.Profile.ChannelPrefs["normal"])
	assert.Len(t, s.Sessions, 2)
	require.Len(t, s.Tasks, 2)
	assert.True(t, s.Tasks[0].CompletedAt.IsZero())
	require.NotNil(t, s.Streak)
	assert.Equal(t, 4, *s.Streak)

	// The result is a copy.
	s.Sessions[0].FocusMinutes = 999
	s.Profile.TimeZone = "UTC"
	again, err := f.Signals(ctx, "ana", now)
	require.NoError(t, err)
	assert.Equal(t, 25.0, again.Sessions[0].FocusMinutes)
	assert.Equal(t, "Europe/Lisbon", again.Profile.TimeZone)

	uc, err := usercontext.FromSignals(again, nil, nil, now)
	require.NoError(t, err)
	assert.Equal(t, "ana", uc.UserID())

	unknown, err := f.Signals(ctx, "zed", now)
	require.NoError(t, err)
	assert.Nil(t, unknown.Profile)
}

func TestFile_Resolve(t *testing.T) {
	ctx := context.Background()
	f, err := OpenFile(filepath.Join("testdata", "signals.json"))
	require.NoError(t, err)

	sub, err := f.Resolve(ctx, "ana", channel.Push)
	require.NoError(t, err)
	assert.Equal(t, "https://push.example.test/ana", sub.Endpoint)

	_, err = f.Resolve(ctx, "bo", channel.Push)
	assert.ErrorIs(t, err, delivery.ErrNoSubscription)
}

func TestFile_Errors(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"users": [`), 0o644))
	_, err = OpenFile(bad)
	assert.Error(t, err)

	_, err = NewFile(FileData{Users: []usercontext.Signals{{UserID: "a"}, {UserID: "a"}}})
	assert.ErrorContains(t, err, "listed twice")

	_, err = NewFile(FileData{Users: []usercontext.Signals{{}}})
	assert.ErrorContains(t, err, "user_id is required")

	_, err = NewFile(FileData{Subscriptions: []FileSubscription{{UserID: "a", Channel: "pager"}}})
	assert.ErrorContains(t, err, "unknown channel")
}

func TestFile_Reload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "signals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"users": [{"user_id": "a"}]}`), 0o644))
	f, err := OpenFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"users": [{"user_id": "a"}, {"user_id": "b"}]}`), 0o644))
	require.NoError(t, f.Reload())
	users, err := f.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, users)
}

// TestPostgres runs against a disposable database named by
// COACH_TEST_POSTGRES_URL.
func TestPostgres(t *testing.T) {
	url := os.Getenv("COACH_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("COACH_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))

	user := "pg-" + now.Format("150405.000000000")
	_, err = pool.Exec(ctx, `INSERT INTO coach_profiles (user_id, time_zone, current_methodology, channel_prefs, streak)
		VALUES ($1, 'UTC', 'pomodoro', '{"high":"push"}', 3)`, user)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO focus_sessions (user_id, methodology, started_at, ended_at, focus_minutes, completed)
		VALUES ($1, 'pomodoro', $2, $3, 25, TRUE), ($1, 'pomodoro', $4, NULL, 0, FALSE)`,
		user, now.Add(-2*time.Hour), now.Add(-95*time.Minute), now.Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO tasks (user_id, created_at, completed_at) VALUES ($1, $2, NULL), ($1, $2, $3)`,
		user, now.Add(-24*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO channel_subscriptions (user_id, channel, endpoint) VALUES ($1, 'push', 'https://push.example.test')`, user)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, table := range []string{"coach_profiles", "focus_sessions", "tasks", "channel_subscriptions"} {
			pool.Exec(context.Background(), "DELETE FROM "+table+" WHERE user_id = $1", user)
		}
	})

	src := NewPostgres(pool, DefaultPostgresConfig())
	s, err := src.Signals(ctx, user, now)
	require.NoError(t, err)
	require.NotNil(t, s.Profile)
	assert.Equal(t, "push", s.Profile.ChannelPrefs["high"])
	assert.Len(t, s.Sessions, 1, "open sessions are skipped")
	assert.Len(t, s.Tasks, 2)
	require.NotNil(t, s.Streak)
	assert.Equal(t, 3, *s.Streak)

	sub, err := src.Resolve(ctx, user, channel.Push)
	require.NoError(t, err)
	assert.Equal(t, "https://push.example.test", sub.Endpoint)
	_, err = src.Resolve(ctx, user, channel.Email)
	assert.ErrorIs(t, err, delivery.ErrNoSubscription)

	users, err := src.Users(ctx)
	require.NoError(t, err)
	assert.Contains(t, users, user)

	missing, err := src.Signals(ctx, "pg-nobody", now)
	require.NoError(t, err)
	assert.Nil(t, missing.Profile)
}

package signals

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

//go:embed schema.sql
var schemaSQL string

// Querier is the subset of *pgxpool.Pool the source uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresConfig bounds how much history one cycle reads.
type PostgresConfig struct {
	// Lookback is how far back sessions and completed tasks are read.
	// It must cover the trailing four-week average and the streak.
	Lookback time.Duration
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{Lookback: 60 * 24 * time.Hour}
}

// Postgres reads signals and subscriptions from the activity database.
type Postgres struct {
	db  Querier
	cfg PostgresConfig
}

var _ Source = (*Postgres)(nil)

func NewPostgres(db Querier, cfg PostgresConfig) *Postgres {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultPostgresConfig().Lookback
	}
	return &Postgres{db: db, cfg: cfg}
}

// Connect creates a connection pool to PostgreSQL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the activity tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}
	return nil
}

type profileRow struct {
	TimeZone           string            `db:"time_zone"`
	CurrentMethodology string            `db:"current_methodology"`
	QuietStart         string            `db:"quiet_start"`
	QuietEnd           string            `db:"quiet_end"`
	ChannelPrefs       map[string]string `db:"channel_prefs"`
	DisabledChannels   []string          `db:"disabled_channels"`
	Streak             *int              `db:"streak"`
}

type sessionRow struct {
	Methodology  string    `db:"methodology"`
	StartedAt    time.Time `db:"started_at"`
	EndedAt      time.Time `db:"ended_at"`
	FocusMinutes float64   `db:"focus_minutes"`
	Completed    bool      `db:"completed"`
}

type taskRow struct {
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// Signals reads one user's profile, recent sessions and tasks. A user
// without a profile row yields Signals with a nil Profile.
func (p *Postgres) Signals(ctx context.Context, userID string, now time.Time) (*usercontext.Signals, error) {
	since := now.Add(-p.cfg.Lookback)
	out := &usercontext.Signals{UserID: userID}

	rows, err := p.db.Query(ctx, `
		SELECT time_zone, current_methodology, quiet_start, quiet_end,
		       channel_prefs, disabled_channels, streak
		FROM coach_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	prof, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[profileRow])
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return out, nil
	case err != nil:
		return nil, fmt.Errorf("read profile: %w", err)
	}
	out.Profile = &usercontext.Profile{
		TimeZone:           prof.TimeZone,
		CurrentMethodology: methodology.Methodology(prof.CurrentMethodology),
		QuietStart:         prof.QuietStart,
		QuietEnd:           prof.QuietEnd,
		ChannelPrefs:       prof.ChannelPrefs,
		DisabledChannels:   prof.DisabledChannels,
	}
	out.Streak = prof.Streak

	rows, err = p.db.Query(ctx, `
		SELECT methodology, started_at, ended_at, focus_minutes, completed
		FROM focus_sessions
		WHERE user_id = $1 AND ended_at IS NOT NULL AND started_at >= $2 AND started_at <= $3
		ORDER BY started_at`, userID, since, now)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, pgx.RowToStructByName[sessionRow])
	if err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, usercontext.Session{
			Methodology:  methodology.Methodology(s.Methodology),
			StartedAt:    s.StartedAt,
			EndedAt:      s.EndedAt,
			FocusMinutes: s.FocusMinutes,
			Completed:    s.Completed,
		})
	}

	rows, err = p.db.Query(ctx, `
		SELECT created_at, completed_at
		FROM tasks
		WHERE user_id = $1 AND created_at <= $3 AND (completed_at IS NULL OR completed_at >= $2)
		ORDER BY created_at`, userID, since, now)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, pgx.RowToStructByName[taskRow])
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	for _, t := range tasks {
		task := usercontext.Task{CreatedAt: t.CreatedAt}
		if t.CompletedAt != nil {
			task.CompletedAt = *t.CompletedAt
		}
		out.Tasks = append(out.Tasks, task)
	}
	return out, nil
}

func (p *Postgres) Resolve(ctx context.Context, userID string, ch channel.Channel) (delivery.Subscription, error) {
	var endpoint string
	err := p.db.QueryRow(ctx,
		`SELECT endpoint FROM channel_subscriptions WHERE user_id = $1 AND channel = $2`,
		userID, string(ch)).Scan(&endpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Subscription{}, fmt.Errorf("%w: %s on %s", delivery.ErrNoSubscription, userID, ch)
	}
	if err != nil {
		return delivery.Subscription{}, fmt.Errorf("resolve subscription: %w", err)
	}
	return delivery.Subscription{UserID: userID, Channel: ch, Endpoint: endpoint}, nil
}

func (p *Postgres) Users(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT user_id FROM coach_profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	return users, nil
}

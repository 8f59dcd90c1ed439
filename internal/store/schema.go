package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Timestamps are stored as Unix nanoseconds; 0 is the zero time.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS firings (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		trigger_id    TEXT NOT NULL,
		methodology   TEXT NOT NULL DEFAULT '',
		priority      INTEGER NOT NULL DEFAULT 0,
		fired_at      INTEGER NOT NULL,
		day_key       TEXT NOT NULL,
		channel       TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		deliver_after INTEGER NOT NULL DEFAULT 0,
		title         TEXT NOT NULL DEFAULT '',
		body          TEXT NOT NULL DEFAULT '',
		updated_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS firings_user_trigger ON firings (user_id, trigger_id, fired_at)`,
	`CREATE INDEX IF NOT EXISTS firings_user_day ON firings (user_id, day_key)`,
	`CREATE INDEX IF NOT EXISTS firings_due ON firings (status, deliver_after)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		seq       INTEGER PRIMARY KEY,
		firing_id TEXT NOT NULL REFERENCES firings (id),
		channel   TEXT NOT NULL,
		number    INTEGER NOT NULL,
		outcome   TEXT NOT NULL,
		error     TEXT NOT NULL DEFAULT '',
		at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS delivery_attempts_firing ON delivery_attempts (firing_id, seq)`,
	`CREATE TABLE IF NOT EXISTS methodology_progress (
		user_id      TEXT NOT NULL,
		methodology  TEXT NOT NULL,
		state        INTEGER NOT NULL DEFAULT 0,
		eligible_at  INTEGER NOT NULL DEFAULT 0,
		unlocked_at  INTEGER NOT NULL DEFAULT 0,
		activated_at INTEGER NOT NULL DEFAULT 0,
		announced    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, methodology)
	)`,
	`CREATE TABLE IF NOT EXISTS llm_requests (
		seq           INTEGER PRIMARY KEY,
		at            INTEGER NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		purpose       TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms    INTEGER NOT NULL DEFAULT 0,
		success       INTEGER NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		request_body  TEXT NOT NULL DEFAULT '',
		response_body TEXT NOT NULL DEFAULT ''
	)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			head, _, _ := strings.Cut(stmt, "\n")
			return fmt.Errorf("%s: %w", head, err)
		}
	}
	return nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

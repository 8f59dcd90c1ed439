package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
)

// ledgerRepo implements ledger.Store on the firings and delivery_attempts
// tables.
type ledgerRepo struct {
	db  *sql.DB
	seq *sequenceCounter
	b   *entsql.DialectBuilder
}

var _ ledger.Store = (*ledgerRepo)(nil)

var firingColumns = []string{
	"id", "user_id", "trigger_id", "methodology", "priority", "fired_at", "day_key",
	"channel", "status", "deliver_after", "title", "body", "updated_at",
}

// reserveSQL inserts a firing only if the cooldown window around it holds
// no firing of the same trigger and both daily caps have room. SQLite takes
// the write lock before evaluating the SELECT, so the check and the insert
// are one atomic step. A zero limit disables its condition.
const reserveSQL = `INSERT OR IGNORE INTO firings
	(id, user_id, trigger_id, methodology, priority, fired_at, day_key, channel, status, deliver_after, title, body, updated_at)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE NOT EXISTS (
		SELECT 1 FROM firings
		WHERE user_id = ? AND trigger_id = ? AND fired_at > ? AND fired_at < ?)
	AND (? = 0 OR (SELECT COUNT(*) FROM firings WHERE user_id = ? AND trigger_id = ? AND day_key = ?) < ?)
	AND (? = 0 OR (SELECT COUNT(*) FROM firings WHERE user_id = ? AND day_key = ?) < ?)`

func (r *ledgerRepo) Reserve(ctx context.Context, req ledger.ReserveRequest) error {
	f := req.Firing
	if f.Status == "" {
		f.Status = ledger.StatusPending
	}
	at := nanos(f.FiredAt)
	cooldown := req.Cooldown.Nanoseconds()
	if cooldown < 0 {
		cooldown = 0
	}

	res, err := r.db.ExecContext(ctx, reserveSQL,
		f.ID, f.UserID, f.TriggerID, string(f.Methodology), f.Priority, at, f.DayKey,
		string(f.Channel), string(f.Status), nanos(f.DeliverAfter), f.Title, f.Body, at,
		f.UserID, f.TriggerID, at-cooldown, at+cooldown,
		req.MaxPerDay, f.UserID, f.TriggerID, f.DayKey, req.MaxPerDay,
		req.DailyCap, f.UserID, f.DayKey, req.DailyCap,
	)
	if err != nil {
		return fmt.Errorf("reserve firing %s: %w", f.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve firing %s: %w", f.ID, err)
	}
	if n == 1 {
		return nil
	}
	return &ledger.ConflictError{UserID: f.UserID, TriggerID: f.TriggerID, Reason: r.conflictReason(ctx, req)}
}

// conflictReason explains a refused reservation. It reads after the fact,
// so it is informational only.
func (r *ledgerRepo) conflictReason(ctx context.Context, req ledger.ReserveRequest) string {
	f := req.Firing
	if _, err := r.Get(ctx, f.ID); err == nil {
		return "duplicate firing id"
	}
	if req.Cooldown > 0 {
		n, err := r.count(ctx, entsql.And(
			entsql.EQ("user_id", f.UserID),
			entsql.EQ("trigger_id", f.TriggerID),
			entsql.GT("fired_at", nanos(f.FiredAt.Add(-req.Cooldown))),
			entsql.LT("fired_at", nanos(f.FiredAt.Add(req.Cooldown))),
		))
		if err == nil && n > 0 {
			return "cooldown"
		}
	}
	if req.MaxPerDay > 0 {
		n, err := r.CountToday(ctx, f.UserID, f.TriggerID, f.DayKey)
		if err == nil && n >= req.MaxPerDay {
			return "trigger daily cap"
		}
	}
	return "user daily cap"
}

func (r *ledgerRepo) count(ctx context.Context, p *entsql.Predicate) (int, error) {
	query, args := r.b.Select(entsql.Count("*")).From(r.b.Table("firings")).Where(p).Query()
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count firings: %w", err)
	}
	return n, nil
}

func (r *ledgerRepo) Snapshot(ctx context.Context, userID, dayKey string) (ledger.History, error) {
	last, err := r.LastFiredByTrigger(ctx, userID)
	if err != nil {
		return ledger.History{}, err
	}

	query, args := r.b.Select("trigger_id", entsql.Count("*")).
		From(r.b.Table("firings")).
		Where(entsql.And(entsql.EQ("user_id", userID), entsql.EQ("day_key", dayKey))).
		GroupBy("trigger_id").
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ledger.History{}, fmt.Errorf("count today for %s: %w", userID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var trigger string
		var n int
		if err := rows.Scan(&trigger, &n); err != nil {
			return ledger.History{}, fmt.Errorf("scan count: %w", err)
		}
		counts[trigger] = n
	}
	if err := rows.Err(); err != nil {
		return ledger.History{}, err
	}
	return ledger.HistoryFromCounts(last, counts), nil
}

func (r *ledgerRepo) LastFiredAt(ctx context.Context, userID, triggerID string) (time.Time, bool, error) {
	query, args := r.b.Select(entsql.Max("fired_at")).
		From(r.b.Table("firings")).
		Where(entsql.And(entsql.EQ("user_id", userID), entsql.EQ("trigger_id", triggerID))).
		Query()
	var last sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("last fired %s/%s: %w", userID, triggerID, err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(last.Int64), true, nil
}

func (r *ledgerRepo) CountToday(ctx context.Context, userID, triggerID, dayKey string) (int, error) {
	return r.count(ctx, entsql.And(
		entsql.EQ("user_id", userID),
		entsql.EQ("trigger_id", triggerID),
		entsql.EQ("day_key", dayKey),
	))
}

func (r *ledgerRepo) LastFiredByTrigger(ctx context.Context, userID string) (map[string]time.Time, error) {
	query, args := r.b.Select("trigger_id", entsql.Max("fired_at")).
		From(r.b.Table("firings")).
		Where(entsql.EQ("user_id", userID)).
		GroupBy("trigger_id").
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("last fired for %s: %w", userID, err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var trigger string
		var at int64
		if err := rows.Scan(&trigger, &at); err != nil {
			return nil, fmt.Errorf("scan last fired: %w", err)
		}
		out[trigger] = fromNanos(at)
	}
	return out, rows.Err()
}

func (r *ledgerRepo) UpdateStatus(ctx context.Context, id string, to ledger.Status, ch channel.Channel, at time.Time) error {
	// Compare-and-set on the current status; a concurrent writer forces a
	// re-read.
	for range 3 {
		f, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		noop, err := ledger.CheckTransition(id, f.Status, to)
		if err != nil || noop {
			return err
		}

		upd := r.b.Update("firings").
			Set("status", string(to)).
			Set("updated_at", nanos(at)).
			Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", string(f.Status))))
		if ch != "" {
			upd.Set("channel", string(ch))
		}
		n, err := r.exec(ctx, upd)
		if err != nil {
			return fmt.Errorf("update firing %s: %w", id, err)
		}
		if n == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: firing %s keeps changing", ledger.ErrConflict, id)
}

func (r *ledgerRepo) Defer(ctx context.Context, id string, until time.Time) error {
	n, err := r.exec(ctx, r.b.Update("firings").
		Set("deliver_after", nanos(until)).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", string(ledger.StatusPending)))))
	if err != nil {
		return fmt.Errorf("defer firing %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	f, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: defer firing %s in status %s", ledger.ErrInvalidTransition, id, f.Status)
}

func (r *ledgerRepo) AppendAttempt(ctx context.Context, a ledger.Attempt) (ledger.Attempt, error) {
	if _, err := r.Get(ctx, a.FiringID); err != nil {
		return ledger.Attempt{}, err
	}
	seq, err := r.seq.Next(ctx)
	if err != nil {
		return ledger.Attempt{}, err
	}
	a.Seq = seq

	query, args := r.b.Insert("delivery_attempts").
		Columns("seq", "firing_id", "channel", "number", "outcome", "error", "at").
		Values(a.Seq, a.FiringID, string(a.Channel), a.Number, string(a.Outcome), a.Error, nanos(a.At)).
		Query()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return ledger.Attempt{}, fmt.Errorf("save attempt of %s: %w", a.FiringID, err)
	}
	return a, nil
}

func (r *ledgerRepo) Get(ctx context.Context, id string) (ledger.Firing, error) {
	query, args := r.selectFirings().Where(entsql.EQ("id", id)).Query()
	f, err := scanFiring(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Firing{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return ledger.Firing{}, fmt.Errorf("get firing %s: %w", id, err)
	}
	return f, nil
}

func (r *ledgerRepo) Attempts(ctx context.Context, firingID string) ([]ledger.Attempt, error) {
	query, args := r.b.Select("seq", "firing_id", "channel", "number", "outcome", "error", "at").
		From(r.b.Table("delivery_attempts")).
		Where(entsql.EQ("firing_id", firingID)).
		OrderBy("seq").
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("attempts of %s: %w", firingID, err)
	}
	defer rows.Close()

	var out []ledger.Attempt
	for rows.Next() {
		var a ledger.Attempt
		var ch, outcome string
		var at int64
		if err := rows.Scan(&a.Seq, &a.FiringID, &ch, &a.Number, &outcome, &a.Error, &at); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Channel = channel.Channel(ch)
		a.Outcome = ledger.Outcome(outcome)
		a.At = fromNanos(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *ledgerRepo) List(ctx context.Context, f ledger.Filter) ([]ledger.Firing, error) {
	sel := r.selectFirings().OrderBy(entsql.Desc("fired_at"), entsql.Desc("id"))
	if f.UserID != "" {
		sel.Where(entsql.EQ("user_id", f.UserID))
	}
	if f.Status != "" {
		sel.Where(entsql.EQ("status", string(f.Status)))
	}
	if f.Limit > 0 {
		sel.Limit(f.Limit)
	}
	return r.queryFirings(ctx, sel)
}

func (r *ledgerRepo) DuePending(ctx context.Context, now time.Time) ([]ledger.Firing, error) {
	sel := r.selectFirings().
		Where(entsql.And(
			entsql.EQ("status", string(ledger.StatusPending)),
			entsql.LTE("deliver_after", nanos(now)),
		)).
		OrderBy("fired_at", "id")
	return r.queryFirings(ctx, sel)
}

func (r *ledgerRepo) selectFirings() *entsql.Selector {
	return r.b.Select(firingColumns...).From(r.b.Table("firings"))
}

func (r *ledgerRepo) queryFirings(ctx context.Context, sel *entsql.Selector) ([]ledger.Firing, error) {
	query, args := sel.Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query firings: %w", err)
	}
	defer rows.Close()

	var out []ledger.Firing
	for rows.Next() {
		f, err := scanFiring(rows)
		if err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type querier interface {
	Query() (string, []any)
}

func (r *ledgerRepo) exec(ctx context.Context, q querier) (int64, error) {
	query, args := q.Query()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFiring(s scanner) (ledger.Firing, error) {
	var f ledger.Firing
	var m, ch, status string
	var firedAt, deliverAfter, updatedAt int64
	err := s.Scan(&f.ID, &f.UserID, &f.TriggerID, &m, &f.Priority, &firedAt, &f.DayKey,
		&ch, &status, &deliverAfter, &f.Title, &f.Body, &updatedAt)
	if err != nil {
		return ledger.Firing{}, err
	}
	f.Methodology = methodology.Methodology(m)
	f.Channel = channel.Channel(ch)
	f.Status = ledger.Status(status)
	f.FiredAt = fromNanos(firedAt)
	f.DeliverAfter = fromNanos(deliverAfter)
	f.UpdatedAt = fromNanos(updatedAt)
	return f, nil
}

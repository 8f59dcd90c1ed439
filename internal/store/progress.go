package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/unlock"
)

// progressRepo implements unlock.ProgressStore on methodology_progress.
// The announced column is a bit set indexed by state.
type progressRepo struct {
	db *sql.DB
	b  *entsql.DialectBuilder
}

var _ unlock.ProgressStore = (*progressRepo)(nil)

func (r *progressRepo) Progress(ctx context.Context, userID string) (map[methodology.Methodology]methodology.Progress, error) {
	query, args := r.b.Select("methodology", "state", "eligible_at", "unlocked_at", "activated_at", "announced").
		From(r.b.Table("methodology_progress")).
		Where(entsql.EQ("user_id", userID)).
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("progress of %s: %w", userID, err)
	}
	defer rows.Close()

	out := make(map[methodology.Methodology]methodology.Progress)
	for rows.Next() {
		var m string
		var state int
		var eligible, unlocked, activated, announced int64
		if err := rows.Scan(&m, &state, &eligible, &unlocked, &activated, &announced); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		p := methodology.Progress{
			Methodology: methodology.Methodology(m),
			State:       methodology.State(state),
			EligibleAt:  fromNanos(eligible),
			UnlockedAt:  fromNanos(unlocked),
			ActivatedAt: fromNanos(activated),
		}
		for s := methodology.StateEligible; s <= methodology.StateActive; s++ {
			if announced&stateBit(s) != 0 {
				if p.Announced == nil {
					p.Announced = make(map[methodology.State]bool)
				}
				p.Announced[s] = true
			}
		}
		out[p.Methodology] = p
	}
	return out, rows.Err()
}

func (r *progressRepo) Advance(ctx context.Context, userID string, m methodology.Methodology, from, to methodology.State, at time.Time) (bool, error) {
	if err := r.ensure(ctx, userID, m); err != nil {
		return false, err
	}

	upd := r.b.Update("methodology_progress").
		Set("state", int(to)).
		Where(entsql.And(
			entsql.EQ("user_id", userID),
			entsql.EQ("methodology", string(m)),
			entsql.EQ("state", int(from)),
		))
	if col := stampColumn(to); col != "" {
		upd.Set(col, nanos(at))
	}
	query, args := upd.Query()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("advance %s/%s to %s: %w", userID, m, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *progressRepo) MarkAnnounced(ctx context.Context, userID string, m methodology.Methodology, s methodology.State) error {
	if err := r.ensure(ctx, userID, m); err != nil {
		return err
	}
	var mask int64
	for st := methodology.StateEligible; st <= s; st++ {
		mask |= stateBit(st)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE methodology_progress SET announced = announced | ? WHERE user_id = ? AND methodology = ?`,
		mask, userID, string(m))
	if err != nil {
		return fmt.Errorf("mark %s/%s announced: %w", userID, m, err)
	}
	return nil
}

// ensure creates a locked record for (userID, m) if none exists.
func (r *progressRepo) ensure(ctx context.Context, userID string, m methodology.Methodology) error {
	query, args := r.b.Insert("methodology_progress").
		Columns("user_id", "methodology", "state").
		Values(userID, string(m), int(methodology.StateLocked)).
		OnConflict(entsql.ConflictColumns("user_id", "methodology"), entsql.DoNothing()).
		Query()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create progress %s/%s: %w", userID, m, err)
	}
	return nil
}

func stampColumn(s methodology.State) string {
	switch s {
	case methodology.StateEligible:
		return "eligible_at"
	case methodology.StateUnlocked:
		return "unlocked_at"
	case methodology.StateActive:
		return "activated_at"
	}
	return ""
}

func stateBit(s methodology.State) int64 {
	return 1 << uint(s)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/focuscoach/internal/llm"
)

// LLMEventRepo stores LLM request events and reports usage.
type LLMEventRepo interface {
	llm.EventSink

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]LLMRequest, error)

	// Get returns the event with the given sequence number.
	Get(ctx context.Context, seq int64) (LLMRequest, error)

	// Stats aggregates events at or after since by provider, model and
	// purpose.
	Stats(ctx context.Context, since time.Time) ([]LLMUsage, error)
}

// ErrLLMRequestNotFound is returned by Get for an unknown sequence number.
var ErrLLMRequestNotFound = errors.New("llm request not found")

// LLMRequest is a stored request event.
type LLMRequest struct {
	Sequence int64
	llm.RequestEvent
}

// LLMUsage is one row of LLM usage statistics.
type LLMUsage struct {
	Provider     string
	Model        string
	Purpose      string
	Requests     int
	Failures     int
	InputTokens  int64
	OutputTokens int64
	AvgLatencyMs float64
}

// Cost estimates the USD cost of the usage.
func (u LLMUsage) Cost() (float64, bool) {
	c := llm.LookupCost(u.Model)
	if c == nil {
		return 0, false
	}
	return c.Cost(int(u.InputTokens), int(u.OutputTokens)), true
}

type llmEventRepo struct {
	db  *sql.DB
	seq *sequenceCounter
	b   *entsql.DialectBuilder
}

var _ llm.EventSink = (*llmEventRepo)(nil)

func (r *llmEventRepo) AppendLLMRequest(ctx context.Context, ev llm.RequestEvent) error {
	seqNum, err := r.seq.Next(ctx)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	success := 0
	if ev.Success {
		success = 1
	}
	query, args := r.b.Insert("llm_requests").
		Columns("seq", "at", "provider", "model", "purpose", "input_tokens", "output_tokens",
			"latency_ms", "success", "error_message", "request_body", "response_body").
		Values(seqNum, nanos(ev.At), ev.Provider, ev.Model, ev.Purpose, ev.InputTokens, ev.OutputTokens,
			ev.LatencyMs, success, ev.ErrorMessage, ev.RequestBody, ev.ResponseBody).
		Query()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save LLM request event: %w", err)
	}
	return nil
}

func (r *llmEventRepo) selectRequests() *entsql.Selector {
	return r.b.Select("seq", "at", "provider", "model", "purpose", "input_tokens", "output_tokens",
		"latency_ms", "success", "error_message", "request_body", "response_body").
		From(r.b.Table("llm_requests"))
}

func (r *llmEventRepo) Recent(ctx context.Context, limit int) ([]LLMRequest, error) {
	sel := r.selectRequests().OrderBy(entsql.Desc("seq"))
	if limit > 0 {
		sel.Limit(limit)
	}
	return r.query(ctx, sel)
}

func (r *llmEventRepo) Get(ctx context.Context, seq int64) (LLMRequest, error) {
	out, err := r.query(ctx, r.selectRequests().Where(entsql.EQ("seq", seq)))
	if err != nil {
		return LLMRequest{}, err
	}
	if len(out) == 0 {
		return LLMRequest{}, fmt.Errorf("%w: %d", ErrLLMRequestNotFound, seq)
	}
	return out[0], nil
}

func (r *llmEventRepo) query(ctx context.Context, sel *entsql.Selector) ([]LLMRequest, error) {
	query, args := sel.Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query LLM requests: %w", err)
	}
	defer rows.Close()

	var out []LLMRequest
	for rows.Next() {
		var e LLMRequest
		var at int64
		var success int
		err := rows.Scan(&e.Sequence, &at, &e.Provider, &e.Model, &e.Purpose, &e.InputTokens, &e.OutputTokens,
			&e.LatencyMs, &success, &e.ErrorMessage, &e.RequestBody, &e.ResponseBody)
		if err != nil {
			return nil, fmt.Errorf("scan LLM request: %w", err)
		}
		e.At = fromNanos(at)
		e.Success = success == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *llmEventRepo) Stats(ctx context.Context, since time.Time) ([]LLMUsage, error) {
	query, args := r.b.Select(
		"provider", "model", "purpose",
		entsql.Count("*"),
		"SUM(1 - success)",
		entsql.Sum("input_tokens"),
		entsql.Sum("output_tokens"),
		entsql.Avg("latency_ms"),
	).
		From(r.b.Table("llm_requests")).
		Where(entsql.GTE("at", nanos(since))).
		GroupBy("provider", "model", "purpose").
		OrderBy("provider", "model", "purpose").
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query LLM stats: %w", err)
	}
	defer rows.Close()

	var out []LLMUsage
	for rows.Next() {
		var u LLMUsage
		err := rows.Scan(&u.Provider, &u.Model, &u.Purpose, &u.Requests, &u.Failures,
			&u.InputTokens, &u.OutputTokens, &u.AvgLatencyMs)
		if err != nil {
			return nil, fmt.Errorf("scan LLM stats: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

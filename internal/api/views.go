package api

import (
	"time"

	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
)

type firingView struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	TriggerID    string        `json:"trigger_id"`
	Methodology  string        `json:"methodology"`
	Priority     int           `json:"priority"`
	FiredAt      time.Time     `json:"fired_at"`
	DayKey       string        `json:"day_key"`
	Channel      string        `json:"channel"`
	Status       string        `json:"status"`
	DeliverAfter *time.Time    `json:"deliver_after,omitempty"`
	Title        string        `json:"title"`
	Body         string        `json:"body"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Attempts     []attemptView `json:"attempts,omitempty"`
}

func viewFiring(f ledger.Firing) firingView {
	v := firingView{
		ID:          f.ID,
		UserID:      f.UserID,
		TriggerID:   f.TriggerID,
		Methodology: string(f.Methodology),
		Priority:    f.Priority,
		FiredAt:     f.FiredAt,
		DayKey:      f.DayKey,
		Channel:     string(f.Channel),
		Status:      string(f.Status),
		Title:       f.Title,
		Body:        f.Body,
		UpdatedAt:   f.UpdatedAt,
	}
	if !f.DeliverAfter.IsZero() {
		t := f.DeliverAfter
		v.DeliverAfter = &t
	}
	return v
}

type attemptView struct {
	Channel string    `json:"channel"`
	Number  int       `json:"number"`
	Outcome string    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type decisionView struct {
	Firing     firingView `json:"firing"`
	CopySource string     `json:"copy_source"`
}

type transitionView struct {
	Methodology methodology.Methodology `json:"methodology"`
	From        string                  `json:"from"`
	To          string                  `json:"to"`
	Trigger     string                  `json:"trigger"`
	At          time.Time               `json:"at"`
}

// Package theme holds the terminal styles of the CLI output.
package theme

import (
	"charm.land/lipgloss/v2"

	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/methodology"
)

// Color palette
var (
	Primary = lipgloss.Color("#8B5CF6") // Vivid Purple
	Accent  = lipgloss.Color("#F97316") // Orange
	Success = lipgloss.Color("#22C55E") // Green
	Error   = lipgloss.Color("#F43F5E") // Rose
	Warning = lipgloss.Color("#EAB308") // Amber
	Text    = lipgloss.Color("#F8FAFC") // White
	TextDim = lipgloss.Color("#94A3B8") // Slate
)

var (
	Heading = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary)

	Dim = lipgloss.NewStyle().
		Foreground(TextDim)

	OK = lipgloss.NewStyle().
		Foreground(Success).
		Bold(true)

	Warn = lipgloss.NewStyle().
		Foreground(Warning)

	Fail = lipgloss.NewStyle().
		Foreground(Error).
		Bold(true)
)

// Status renders a firing status in its color.
func Status(s ledger.Status) string {
	switch s {
	case ledger.StatusDelivered, ledger.StatusRead:
		return OK.Render(string(s))
	case ledger.StatusSent:
		return lipgloss.NewStyle().Foreground(Success).Render(string(s))
	case ledger.StatusPending:
		return Warn.Render(string(s))
	case ledger.StatusFailed:
		return Fail.Render(string(s))
	default:
		return Dim.Render(string(s))
	}
}

// State renders an unlock state in its color.
func State(s methodology.State) string {
	switch s {
	case methodology.StateActive:
		return OK.Render(s.String())
	case methodology.StateUnlocked:
		return lipgloss.NewStyle().Foreground(Accent).Bold(true).Render(s.String())
	case methodology.StateEligible:
		return Warn.Render(s.String())
	default:
		return Dim.Render(s.String())
	}
}

// Outcome renders a delivery attempt outcome.
func Outcome(o ledger.Outcome) string {
	switch o {
	case ledger.OutcomeOK:
		return OK.Render("✓ " + string(o))
	case ledger.OutcomeTransient:
		return Warn.Render("↻ " + string(o))
	default:
		return Fail.Render("✗ " + string(o))
	}
}

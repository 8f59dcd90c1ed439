package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abhisek/focuscoach/internal/app"
)

// drainTimeout bounds how long a one-shot command waits for in-flight
// deliveries before exiting.
const drainTimeout = 30 * time.Second

// openApp wires the full application. The returned func drains deliveries
// and closes every resource.
func openApp(ctx context.Context) (*app.App, func(), error) {
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}
	return a, closeFn, nil
}

// evaluationTime reads the --at flag, defaulting to the current time.
func evaluationTime(cmd *cobra.Command) (time.Time, error) {
	at, _ := cmd.Flags().GetString("at")
	if at == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: want RFC 3339", at)
	}
	return t, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func formatCost(usd float64) string {
	if usd < 0.01 {
		return fmt.Sprintf("$%.4f", usd)
	}
	return fmt.Sprintf("$%.2f", usd)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhisek/focuscoach/internal/app"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/ui/theme"
	"github.com/abhisek/focuscoach/internal/unlock"
)

var selectCmd = &cobra.Command{
	Use:   "select <user> <methodology>",
	Short: "Record a user's choice of an eligible methodology",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		m, err := methodology.Parse(args[1])
		if err != nil {
			return err
		}

		st, err := app.OpenStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		eng := unlock.NewEngine(unlock.DefaultConfig(), st.Unlocks(), logger)
		t, err := eng.Select(cmd.Context(), userID, m, time.Now())
		if err != nil {
			return err
		}
		if t == nil {
			fmt.Printf("%s was already selected by %s\n", m, userID)
			return nil
		}
		fmt.Printf("%s: %s → %s for %s\n", m, theme.State(t.From), theme.State(t.To), userID)
		return nil
	},
}

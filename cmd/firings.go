package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abhisek/focuscoach/internal/app"
	"github.com/abhisek/focuscoach/internal/ledger"
	"github.com/abhisek/focuscoach/internal/ui/theme"
)

var firingsCmd = &cobra.Command{
	Use:   "firings",
	Short: "Inspect the firing ledger",
}

var firingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent firings",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		filter := ledger.Filter{UserID: user, Limit: limit}
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			status, err := ledger.ParseStatus(s)
			if err != nil {
				return err
			}
			filter.Status = status
		}

		st, err := app.OpenStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		firings, err := st.Ledger().List(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("list firings: %w", err)
		}
		if len(firings) == 0 {
			fmt.Println("No firings found.")
			return nil
		}

		// Status is printed last: its color codes break column padding.
		fmt.Printf("%-36s  %-12s  %-19s  %-34s  %-5s  %-7s  %s\n",
			"ID", "User", "Fired", "Trigger", "Pri", "Channel", "Status")
		fmt.Println(strings.Repeat("─", 130))
		for _, f := range firings {
			fmt.Printf("%-36s  %-12s  %-19s  %-34s  %-5d  %-7s  %s\n",
				f.ID,
				truncate(f.UserID, 12),
				formatTime(f.FiredAt),
				truncate(f.TriggerID, 34),
				f.Priority,
				f.Channel,
				theme.Status(f.Status),
			)
		}
		return nil
	},
}

var firingsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one firing and its delivery attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := app.OpenStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		ctx := cmd.Context()
		f, err := st.Ledger().Get(ctx, args[0])
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("firing %s not found", args[0])
		}
		if err != nil {
			return err
		}
		attempts, err := st.Ledger().Attempts(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}

		fmt.Println(theme.Heading.Render(f.Title))
		fmt.Println(f.Body)
		fmt.Println()
		fmt.Printf("  ID:             %s\n", f.ID)
		fmt.Printf("  User:           %s\n", f.UserID)
		fmt.Printf("  Trigger:        %s\n", f.TriggerID)
		fmt.Printf("  Priority:       %d\n", f.Priority)
		fmt.Printf("  Fired:          %s (day %s)\n", formatTime(f.FiredAt), f.DayKey)
		fmt.Printf("  Deliver after:  %s\n", formatTime(f.DeliverAfter))
		fmt.Printf("  Channel:        %s\n", f.Channel)
		fmt.Printf("  Status:         %s\n", theme.Status(f.Status))

		fmt.Println()
		fmt.Println(theme.Heading.Render(fmt.Sprintf("Attempts (%d)", len(attempts))))
		for _, at := range attempts {
			line := fmt.Sprintf("  #%-3d %-19s  %-7s  %s", at.Number, formatTime(at.At), at.Channel, theme.Outcome(at.Outcome))
			if at.Error != "" {
				line += "  " + theme.Dim.Render(truncate(at.Error, 80))
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	firingsListCmd.Flags().StringP("user", "u", "", "Show only this user's firings")
	firingsListCmd.Flags().StringP("status", "s", "", "Filter by status (pending, sent, delivered, read, dismissed, failed)")
	firingsListCmd.Flags().IntP("limit", "n", 20, "Number of firings to show")

	firingsCmd.AddCommand(firingsListCmd)
	firingsCmd.AddCommand(firingsShowCmd)
}

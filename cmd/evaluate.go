package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abhisek/focuscoach/internal/engine"
	"github.com/abhisek/focuscoach/internal/methodology"
	"github.com/abhisek/focuscoach/internal/ui/theme"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <user>",
	Short: "Run one evaluation cycle for a user",
	Long: `Run one evaluation cycle for a user and deliver the selected firings.

With --dry-run the cycle is previewed: nothing is written to the ledger,
no unlock state changes and nothing is delivered.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		now, err := evaluationTime(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, closeApp, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		var decisions []engine.Decision
		if dryRun {
			uc, err := a.Contexts.Build(ctx, userID, now)
			if err != nil {
				return err
			}
			decisions, err = a.Engine.Preview(ctx, userID, uc, now)
			if err != nil {
				return err
			}
		} else if decisions, err = a.Engine.Run(ctx, userID, now); err != nil {
			return err
		}

		printDecisions(decisions, dryRun)

		progress, err := a.Store.Unlocks().Progress(ctx, userID)
		if err != nil {
			return fmt.Errorf("load unlock progress: %w", err)
		}
		fmt.Println()
		fmt.Println(theme.Heading.Render("Methodologies"))
		for _, m := range methodology.All() {
			p, ok := progress[m]
			st := methodology.StateLocked
			if ok {
				st = p.Effective()
			}
			fmt.Printf("  %-12s  %s\n", m, theme.State(st))
		}
		return nil
	},
}

func printDecisions(decisions []engine.Decision, dryRun bool) {
	heading := "Fired"
	if dryRun {
		heading = "Would fire"
	}
	fmt.Println(theme.Heading.Render(fmt.Sprintf("%s (%d)", heading, len(decisions))))
	if len(decisions) == 0 {
		fmt.Println(theme.Dim.Render("  nothing selected"))
		return
	}
	fmt.Printf("  %-36s  %-5s  %-7s  %-19s  %s\n", "Trigger", "Pri", "Channel", "Deliver after", "Title")
	fmt.Println("  " + strings.Repeat("─", 96))
	for _, d := range decisions {
		f := d.Firing
		fmt.Printf("  %-36s  %-5d  %-7s  %-19s  %s\n",
			truncate(f.TriggerID, 36),
			f.Priority,
			f.Channel,
			formatTime(f.DeliverAfter),
			f.Title,
		)
	}
}

func init() {
	evaluateCmd.Flags().Bool("dry-run", false, "Preview the cycle without writing or delivering")
	evaluateCmd.Flags().String("at", "", "Evaluate as of this RFC 3339 time instead of now")
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abhisek/focuscoach/internal/ui/theme"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one evaluation cycle for every known user",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		report, err := a.Sweep(ctx, now)
		if err != nil {
			return err
		}

		fmt.Println(theme.Heading.Render("Sweep"))
		fmt.Printf("  Users:    %d\n", report.Users)
		fmt.Printf("  Fired:    %d\n", report.Fired)
		fmt.Printf("  Skipped:  %s\n", theme.Warn.Render(fmt.Sprint(report.Skipped)))
		failed := theme.Dim.Render("0")
		if report.Failed > 0 {
			failed = theme.Fail.Render(fmt.Sprint(report.Failed))
		}
		fmt.Printf("  Failed:   %s\n", failed)
		return nil
	},
}

func init() {
	sweepCmd.Flags().String("at", "", "Evaluate as of this RFC 3339 time instead of now")
}

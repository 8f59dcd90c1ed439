package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and stream, sweeping users periodically",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTPAddr = addr
		}
		if cmd.Flags().Changed("sweep-interval") {
			cfg.SweepInterval, _ = cmd.Flags().GetDuration("sweep-interval")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, closeApp, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()
		return a.Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides COACH_HTTP_ADDR)")
	serveCmd.Flags().Duration("sweep-interval", 0, "Time between sweeps, 0 disables them (overrides COACH_SWEEP_INTERVAL)")
}

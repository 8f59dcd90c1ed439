package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/abhisek/focuscoach/internal/config"
)

var (
	verbose bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "focuscoach",
	Short: "Coaching trigger engine for productivity methodologies",
	Long: `focuscoach evaluates coaching triggers against each user's activity,
unlocks productivity methodologies progressively and delivers nudges over
push, email and a websocket stream.

Configuration comes from COACH_* environment variables; flags override them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if cfg, err = config.Load(); err != nil {
			return err
		}
		if p, _ := cmd.Flags().GetString("db"); p != "" {
			cfg.DBPath = p
		}
		if p, _ := cmd.Flags().GetString("catalog"); p != "" {
			cfg.CatalogPath = p
		}
		if p, _ := cmd.Flags().GetString("signals"); p != "" {
			cfg.SignalsFile = p
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to SQLite database file (overrides COACH_DB)")
	rootCmd.PersistentFlags().String("catalog", "", "Trigger catalog YAML (overrides COACH_CATALOG)")
	rootCmd.PersistentFlags().String("signals", "", "Signals JSON file (overrides COACH_SIGNALS_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(firingsCmd)
	rootCmd.AddCommand(llmCmd)
	rootCmd.AddCommand(versionCmd)
}

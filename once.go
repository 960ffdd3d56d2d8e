package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mailsweep/mailsweep/runner"
	"github.com/mailsweep/mailsweep/schedule"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single ingestion pass over all accounts and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, cleanup, err := setupLogger(logLevel, logDir)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)

		coord := runner.NewCoordinator(logger)
		sched := schedule.New(configPath, coord, logger)
		return sched.RunOnce()
	},
}

func init() {
	rootCmd.AddCommand(onceCmd)
}

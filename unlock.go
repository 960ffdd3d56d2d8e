package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mailsweep/mailsweep/config"
	"github.com/mailsweep/mailsweep/pdf"
)

var unlockOutput string

var unlockCmd = &cobra.Command{
	Use:   "unlock [pdf file]",
	Short: "Try the configured passwords against a single PDF file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, cleanup, err := setupLogger(logLevel, logDir)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if len(cfg.PDFPasswords) == 0 {
			return fmt.Errorf("config has no pdf_passwords")
		}

		inputPath := args[0]
		outputPath := unlockOutput
		if outputPath == "" {
			dir, name := filepath.Split(inputPath)
			outputPath = filepath.Join(dir, "unlocked_"+name)
		}

		unlocker := pdf.NewUnlocker(cfg.PDFPasswords, logger)
		if !unlocker.Unlock(inputPath, outputPath) {
			return fmt.Errorf("no configured password unlocks %s", inputPath)
		}

		fmt.Println("unlocked:", outputPath)
		return nil
	},
}

func init() {
	unlockCmd.Flags().StringVarP(&unlockOutput, "output", "o", "", "Output path for the decrypted copy (default: unlocked_<name> next to the input)")
	rootCmd.AddCommand(unlockCmd)
}

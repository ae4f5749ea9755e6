package main

import (
	"fmt"

	"github.com/openmined/lakelift/internal/ledger"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newBackupCmd())
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copy the progress ledger to a timestamped backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ResolveLedger(); err != nil {
				return err
			}

			path, err := ledger.BackupFile(cfg.Ledger, "manual")
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("no ledger at %s", cfg.Ledger)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
}

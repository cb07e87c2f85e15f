package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitetrace/changeflow/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "changeflow",
	Short: "Change-order detection and approval for construction projects",
	Long:  "Ingests project communication, deduplicates detected scope changes, assembles priced change orders, and runs the client consent workflow over an append-only audit ledger.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

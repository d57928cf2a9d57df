package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "bomflow",
	Short: "BOM enrichment and risk-assessment orchestrator",
	Long:  "Drives bills of materials through enrichment against supplier catalogs and a two-level weighted risk-scoring pipeline, with durable pause/resume/cancel/restart control per job.",
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

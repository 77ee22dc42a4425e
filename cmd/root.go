package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-assess/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "lead-assess",
	Short: "Concurrent website and business assessment for sales leads",
	Long:  "Fans a lead's website out to performance, security, business profile, SEO, screenshot and content collectors under a shared budget and deadline, then records a classified aggregate.",
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

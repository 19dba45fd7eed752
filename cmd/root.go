package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pincode-places/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "pincode-places",
	Short: "Find colleges and schools for Indian postal codes",
	Long:  "Reads postal codes from a spreadsheet, searches the Google Places API for institutions in each, looks up their phone numbers and websites, and writes the results to a spreadsheet.",
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

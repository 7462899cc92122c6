package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/app"
	"github.com/jmehdipour/credits-gateway/internal/config"
	"github.com/jmehdipour/credits-gateway/internal/logger"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo users with starter credits",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		log := logger.Named("seed")

		if cfg.Ledger.Driver == config.DriverMemory {
			log.Warn("memory ledger driver: serve seeds on startup, nothing to do")
			return nil
		}

		stores, err := app.OpenStores(cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		l := app.NewLedger(cfg, stores.Ledger, logger.Named("ledger"))
		seeded, err := app.SeedDemo(cmd.Context(), stores.Users, l, log)
		if err != nil {
			return err
		}
		for _, s := range seeded {
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-10s %s\n", s.User.Name, s.User.Status, s.User.APIKey)
		}
		log.Info("seed completed", zap.Int("users", len(seeded)))
		return nil
	},
}

package worker

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/app"
	"github.com/jmehdipour/credits-gateway/internal/logger"
	"github.com/jmehdipour/credits-gateway/internal/worker"
)

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Expire lapsed cohorts and release abandoned reservations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("sweeper")
		serveMetrics(cmd, log)

		stores, err := app.OpenStores(cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		l := app.NewLedger(cfg, stores.Ledger, logger.Named("ledger"))
		w := worker.NewSweeper(l, cfg.Ledger.SweepInterval, cfg.Ledger.ReservationTTL, log)

		ctx, stop := signalContext()
		defer stop()

		log.Info("sweeper started",
			zap.Duration("interval", cfg.Ledger.SweepInterval), zap.Duration("reservation_ttl", cfg.Ledger.ReservationTTL))
		return w.Run(ctx)
	},
}

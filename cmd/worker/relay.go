package worker

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/app"
	"github.com/jmehdipour/credits-gateway/internal/kafka"
	"github.com/jmehdipour/credits-gateway/internal/logger"
	"github.com/jmehdipour/credits-gateway/internal/worker"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish outbox rows to Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("relay")
		serveMetrics(cmd, log)

		stores, err := app.OpenStores(cfg)
		if err != nil {
			return err
		}
		defer stores.Close()
		if stores.Outbox == nil {
			return fmt.Errorf("ledger.driver %s: %w", stores.Driver, app.ErrNoOutbox)
		}

		producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers})
		defer func() { _ = producer.Close() }()

		w := worker.NewRelay(stores.Outbox, producer, log)
		if cfg.Outbox.BatchSize > 0 {
			w.BatchSize = cfg.Outbox.BatchSize
		}
		if cfg.Outbox.Interval > 0 {
			w.Interval = cfg.Outbox.Interval
		}

		ctx, stop := signalContext()
		defer stop()

		log.Info("outbox relay started",
			zap.String("driver", stores.Driver), zap.Int("batch_size", w.BatchSize), zap.Duration("interval", w.Interval))
		return w.Run(ctx)
	},
}

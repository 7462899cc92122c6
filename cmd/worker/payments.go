package worker

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/app"
	"github.com/jmehdipour/credits-gateway/internal/kafka"
	"github.com/jmehdipour/credits-gateway/internal/logger"
	"github.com/jmehdipour/credits-gateway/internal/service/payments"
	"github.com/jmehdipour/credits-gateway/internal/worker"
)

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "Credit confirmed payments from the payments topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("payments")
		serveMetrics(cmd, log)

		stores, err := app.OpenStores(cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		l := app.NewLedger(cfg, stores.Ledger, logger.Named("ledger"))

		consumer := kafka.NewConsumerFromConfig(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.PaymentsTopic,
			GroupID:        cfg.Kafka.GroupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		w := worker.NewPaymentsConsumer(consumer, payments.NewProcessor(l, log), log)

		ctx, stop := signalContext()
		defer stop()

		log.Info("payments worker started",
			zap.String("topic", cfg.Kafka.PaymentsTopic), zap.String("group", cfg.Kafka.GroupID))
		return w.Run(ctx)
	},
}

package worker

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/app"
	"github.com/jmehdipour/credits-gateway/internal/db"
	"github.com/jmehdipour/credits-gateway/internal/kafka"
	"github.com/jmehdipour/credits-gateway/internal/logger"
	"github.com/jmehdipour/credits-gateway/internal/repository"
	"github.com/jmehdipour/credits-gateway/internal/worker"
)

var archiverCmd = &cobra.Command{
	Use:   "archiver",
	Short: "Copy ledger transaction events into ClickHouse",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("archiver")
		serveMetrics(cmd, log)

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, app.SQLOpts(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		consumer := kafka.NewConsumerFromConfig(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.TransactionsTopic,
			GroupID:        cfg.Archiver.GroupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		w := worker.NewArchiver(consumer, repository.NewCHTransactionsRepository(chDB), log)
		if cfg.Archiver.BatchSize > 0 {
			w.BatchSize = cfg.Archiver.BatchSize
		}
		if cfg.Archiver.FlushInterval > 0 {
			w.BatchWait = cfg.Archiver.FlushInterval
		}

		ctx, stop := signalContext()
		defer stop()

		log.Info("archiver started",
			zap.String("topic", cfg.Kafka.TransactionsTopic),
			zap.String("group", cfg.Archiver.GroupID),
			zap.Int("batch_size", w.BatchSize),
			zap.Duration("batch_wait", w.BatchWait))
		return w.Run(ctx)
	},
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/app"
	"github.com/jmehdipour/credits-gateway/internal/config"
	"github.com/jmehdipour/credits-gateway/internal/db"
	httpSrv "github.com/jmehdipour/credits-gateway/internal/http"
	"github.com/jmehdipour/credits-gateway/internal/logger"
	"github.com/jmehdipour/credits-gateway/internal/repository"
	"github.com/jmehdipour/credits-gateway/internal/service/payments"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		defer func() { _ = logger.Log.Sync() }()
		log := logger.Log

		stores, err := app.OpenStores(cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		limiter, closeLimiter, err := app.NewLimiter(cfg, logger.Named("ratelimit"))
		if err != nil {
			return err
		}
		defer closeLimiter()

		// reports are optional: without ClickHouse the endpoint answers 503
		var reports repository.CHTransactionsRepository
		if cfg.ClickHouse.DSN != "" {
			chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, app.SQLOpts(cfg.ClickHouse))
			if err != nil {
				log.Warn("clickhouse unavailable, reports disabled", zap.Error(err))
			} else {
				defer func() { _ = chDB.Close() }()
				reports = repository.NewCHTransactionsRepository(chDB)
			}
		}

		l := app.NewLedger(cfg, stores.Ledger, logger.Named("ledger"))

		registry, err := app.NewRegistry(cfg.Providers, logger.Named("provider"))
		if err != nil {
			return err
		}
		usageSvc, err := app.NewUsageService(cfg, l, limiter, registry, log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if stores.Driver == config.DriverMemory {
			log.Warn("memory ledger driver: state is lost on exit, seeding demo users")
			if _, err := app.SeedDemo(ctx, stores.Users, l, logger.Named("seed")); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
		}

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Ledger:    l,
			Usage:     usageSvc,
			Payments:  payments.NewProcessor(l, logger.Named("payments")),
			Users:     stores.Users,
			Limiter:   limiter,
			Reports:   reports,
			Registry:  prometheus.DefaultRegisterer,
			Log:       logger.Named("http"),
			Readiness: stores.Ping,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		return nil
	},
}

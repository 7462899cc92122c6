package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/config"
	"github.com/jmehdipour/credits-gateway/internal/db"
	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/orchestrator"
	"github.com/jmehdipour/credits-gateway/internal/provider"
	"github.com/jmehdipour/credits-gateway/internal/ratelimit"
	"github.com/jmehdipour/credits-gateway/internal/repository"
	"github.com/jmehdipour/credits-gateway/internal/service/usage"
	"github.com/jmehdipour/credits-gateway/internal/worker"
)

var ErrNoOutbox = errors.New("app: ledger driver has no outbox table")

// Stores are the persistence handles of the configured ledger driver.
// Outbox is nil for the memory driver.
type Stores struct {
	Driver string
	Ledger ledger.Store
	Users  repository.UsersRepository
	Outbox worker.OutboxDrainer
	Ping   func(ctx context.Context) error

	closers []func()
}

func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func OpenStores(cfg config.Config) (*Stores, error) {
	switch cfg.Ledger.Driver {
	case config.DriverMySQL:
		dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, SQLOpts(cfg.MySQL))
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		return &Stores{
			Driver:  config.DriverMySQL,
			Ledger:  repository.NewMySQLLedgerStore(dbx),
			Users:   repository.NewUsersRepository(dbx),
			Outbox:  repository.NewOutboxRepository(dbx),
			Ping:    dbx.PingContext,
			closers: []func(){func() { _ = dbx.Close() }},
		}, nil

	case config.DriverPostgres:
		pool, err := db.NewPostgresPool(cfg.Postgres.DSN, db.PostgresOpts{
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Postgres.ConnMaxIdleTime,
			PingTimeout:     cfg.Postgres.PingTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		return &Stores{
			Driver:  config.DriverPostgres,
			Ledger:  repository.NewPostgresLedgerStore(pool),
			Users:   repository.NewPostgresUsersRepository(pool),
			Outbox:  repository.NewPostgresOutboxRepository(pool),
			Ping:    pool.Ping,
			closers: []func(){pool.Close},
		}, nil

	case config.DriverMemory:
		return &Stores{
			Driver: config.DriverMemory,
			Ledger: ledger.NewMemoryStore(),
			Users:  repository.NewMemoryUsersRepository(),
			Ping:   func(context.Context) error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("ledger.driver: unsupported %q", cfg.Ledger.Driver)
}

func SQLOpts(c config.DatabaseConfig) db.SQLOpts {
	return db.SQLOpts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}

func NewLedger(cfg config.Config, store ledger.Store, log *zap.Logger) *ledger.Ledger {
	return ledger.New(store, log,
		ledger.WithDefaultExpirationDays(cfg.Payments.DefaultExpirationDays),
		ledger.WithOutboxTopic(cfg.Kafka.TransactionsTopic),
	)
}

// NewLimiter counts in Redis when redis.addr is set and in process memory
// otherwise. The returned close func is never nil.
func NewLimiter(cfg config.Config, log *zap.Logger) (*ratelimit.Limiter, func(), error) {
	rules := ratelimit.Config{
		Prefix:  cfg.RateLimit.Prefix,
		Default: ratelimit.Rule{MaxRequests: cfg.RateLimit.Default.MaxRequests, Window: cfg.RateLimit.Default.Window},
		Routes:  make(map[string]ratelimit.Rule, len(cfg.RateLimit.Routes)),
	}
	for route, r := range cfg.RateLimit.Routes {
		rules.Routes[route] = ratelimit.Rule{MaxRequests: r.MaxRequests, Window: r.Window}
	}

	if cfg.Redis.Addr == "" {
		log.Warn("redis.addr is empty, rate limit counters are local to this process")
		return ratelimit.New(ratelimit.NewMemoryStore(), rules, log), func() {}, nil
	}

	rdb, err := db.NewRedisClient(db.RedisOpts{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis connect: %w", err)
	}
	return ratelimit.New(ratelimit.NewRedisStore(rdb), rules, log), func() { _ = rdb.Close() }, nil
}

// NewRegistry builds one client per enabled provider entry.
func NewRegistry(providers []config.ProviderConfig, log *zap.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, pc := range providers {
		if !pc.Enabled {
			continue
		}
		svc, ok := model.ParseServiceType(pc.Service)
		if !ok {
			return nil, fmt.Errorf("provider %s: unknown service %q", pc.Name, pc.Service)
		}

		var c orchestrator.Client
		switch pc.Kind {
		case "http":
			c = provider.NewHTTPJobClient(provider.HTTPConfig{
				Name:          pc.Name,
				Service:       svc,
				BaseURL:       pc.BaseURL,
				SubmitPath:    pc.SubmitPath,
				PollPath:      pc.PollPath,
				APIKey:        pc.APIKey,
				Batch:         pc.Batch,
				TimeoutMs:     pc.TimeoutMs,
				FailThreshold: pc.Breaker.FailThreshold,
				OpenForMs:     pc.Breaker.OpenForMs,
			})
		case "mock", "":
			c = provider.NewMock(pc.Name, svc, provider.WithBatch(pc.Batch))
		default:
			return nil, fmt.Errorf("provider %s: unsupported kind %q", pc.Name, pc.Kind)
		}
		reg.Register(svc, c)
		log.Info("provider registered",
			zap.String("name", pc.Name), zap.String("service", svc.String()), zap.String("kind", pc.Kind))
	}
	return reg, nil
}

func Budget(c config.OrchestratorConfig) orchestrator.Budget {
	return orchestrator.Budget{
		TotalTimeout:      c.TotalTimeout,
		PollInterval:      c.PollInterval,
		MaxPollInterval:   c.MaxPollInterval,
		MaxPollAttempts:   c.MaxPollAttempts,
		BackoffMultiplier: c.BackoffMultiplier,
	}
}

func NewUsageService(cfg config.Config, l *ledger.Ledger, limiter *ratelimit.Limiter, reg *provider.Registry, log *zap.Logger) (*usage.Service, error) {
	prices, err := cfg.Prices()
	if err != nil {
		return nil, err
	}
	return usage.New(l, limiter, orchestrator.New(log.Named("orchestrator")), reg, usage.Config{
		Budget:          Budget(cfg.Orchestrator),
		ItemConcurrency: cfg.Usage.ItemConcurrency,
		RequestTimeout:  cfg.RequestTimeout(),
		ReleaseTimeout:  cfg.Usage.ReleaseTimeout,
		Pricing:         prices,
	}, log.Named("usage")), nil
}

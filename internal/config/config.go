package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/jmehdipour/credits-gateway/internal/model"
)

//go:embed defaults.yaml
var defaults []byte

const EnvPrefix = "CRGW"

// ---- Root ----

type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	MySQL        DatabaseConfig     `mapstructure:"mysql"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	ClickHouse   DatabaseConfig     `mapstructure:"clickhouse"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Usage        UsageConfig        `mapstructure:"usage"`
	Providers    []ProviderConfig   `mapstructure:"providers"`
	Pricing      map[string]string  `mapstructure:"pricing"`
	Payments     PaymentsConfig     `mapstructure:"payments"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Archiver     ArchiverConfig     `mapstructure:"archiver"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       string        `mapstructure:"body_limit"`
}

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type LedgerConfig struct {
	Driver         string        `mapstructure:"driver"` // mysql|postgres|memory
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"` // empty: in-process counters
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	GroupID           string   `mapstructure:"group_id"`
	MinBytes          int      `mapstructure:"min_bytes"`
	MaxBytes          int      `mapstructure:"max_bytes"`
	CommitInterval    int      `mapstructure:"commit_interval_ms"`
	PaymentsTopic     string   `mapstructure:"payments_topic"`
	TransactionsTopic string   `mapstructure:"transactions_topic"`
}

type RuleConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	Prefix  string                `mapstructure:"prefix"`
	Default RuleConfig            `mapstructure:"default"`
	Routes  map[string]RuleConfig `mapstructure:"routes"`
}

type OrchestratorConfig struct {
	TotalTimeout      time.Duration `mapstructure:"total_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval   time.Duration `mapstructure:"max_poll_interval"`
	MaxPollAttempts   int           `mapstructure:"max_poll_attempts"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

type UsageConfig struct {
	ItemConcurrency int           `mapstructure:"item_concurrency"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"` // 0: orchestrator.total_timeout
	ReleaseTimeout  time.Duration `mapstructure:"release_timeout"`
}

// RequestTimeout is the longest a billable request may spend on provider work.
func (c Config) RequestTimeout() time.Duration {
	if c.Usage.RequestTimeout > 0 {
		return c.Usage.RequestTimeout
	}
	return c.Orchestrator.TotalTimeout
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ProviderConfig struct {
	Name       string        `mapstructure:"name"`
	Kind       string        `mapstructure:"kind"` // http|mock
	Service    string        `mapstructure:"service"`
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	SubmitPath string        `mapstructure:"submit_path"`
	PollPath   string        `mapstructure:"poll_path"`
	APIKey     string        `mapstructure:"api_key"`
	Batch      bool          `mapstructure:"batch"`
	TimeoutMs  int           `mapstructure:"timeout_ms"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

type PaymentsConfig struct {
	WebhookSecret         string `mapstructure:"webhook_secret"`
	DefaultExpirationDays int    `mapstructure:"default_expiration_days"`
	TopUpURL              string `mapstructure:"top_up_url"`
}

type OutboxConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

type ArchiverConfig struct {
	GroupID       string        `mapstructure:"group_id"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load reads embedded defaults, merges the YAML file at path when it exists,
// and applies env overrides (CRGW_HTTP_ADDR for http.addr).
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return Config{}, fmt.Errorf("merge %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Ledger.Driver {
	case DriverMySQL, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("ledger.driver: unsupported %q", c.Ledger.Driver)
	}
	if _, err := c.Prices(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if _, ok := model.ParseServiceType(p.Service); !ok {
			return fmt.Errorf("providers[%d] %s: unknown service %q", i, p.Name, p.Service)
		}
		if p.Kind == "http" && p.BaseURL == "" {
			return fmt.Errorf("providers[%d] %s: base_url is required", i, p.Name)
		}
	}
	return nil
}

// validateTimeouts keeps a billable request inside the HTTP write deadline and
// shorter than a reservation's lifetime, so the sweeper never releases a hold
// that is still in use.
func (c Config) validateTimeouts() error {
	rt := c.RequestTimeout()
	if rt < c.Orchestrator.TotalTimeout {
		return fmt.Errorf("usage.request_timeout %s is below orchestrator.total_timeout %s", rt, c.Orchestrator.TotalTimeout)
	}
	if c.HTTP.WriteTimeout > 0 && c.HTTP.WriteTimeout <= rt {
		return fmt.Errorf("http.write_timeout %s must exceed the request timeout %s", c.HTTP.WriteTimeout, rt)
	}
	if c.Ledger.ReservationTTL > 0 && c.Ledger.ReservationTTL <= rt {
		return fmt.Errorf("ledger.reservation_ttl %s must exceed the request timeout %s", c.Ledger.ReservationTTL, rt)
	}
	return nil
}

// Prices parses the per-unit price of every configured service.
func (c Config) Prices() (map[model.ServiceType]decimal.Decimal, error) {
	out := make(map[model.ServiceType]decimal.Decimal, len(c.Pricing))
	for k, raw := range c.Pricing {
		svc, ok := model.ParseServiceType(k)
		if !ok {
			return nil, fmt.Errorf("pricing: unknown service %q", k)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("pricing.%s: %w", k, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("pricing.%s: negative price", k)
		}
		out[svc] = d
	}
	return out, nil
}

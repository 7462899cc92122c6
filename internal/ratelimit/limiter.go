package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/metrics"
)

// Rule allows MaxRequests per fixed Window. MaxRequests <= 0 disables limiting.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

type Config struct {
	Prefix  string
	Default Rule
	Routes  map[string]Rule
}

// Store is an atomic counter with expiry, shared by every instance that
// enforces the same limits.
type Store interface {
	// Incr increments key, sets its time to live and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Limiter is a fixed-window throttle keyed by client and route. Store
// failures admit the request.
type Limiter struct {
	store Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func New(store Store, cfg Config, log *zap.Logger, opts ...Option) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "rl:"
	}
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Limiter{store: store, cfg: cfg, log: log, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) rule(route string) Rule {
	r, ok := l.cfg.Routes[route]
	if !ok {
		return l.cfg.Default
	}
	if r.Window <= 0 {
		r.Window = l.cfg.Default.Window
	}
	return r
}

func (l *Limiter) Admit(ctx context.Context, clientKey, route string) Decision {
	return l.AdmitMax(ctx, clientKey, route, 0)
}

// AdmitMax is Admit with a per-client override of the route's request cap.
// A max <= 0 keeps the configured cap.
func (l *Limiter) AdmitMax(ctx context.Context, clientKey, route string, max int) Decision {
	r := l.rule(route)
	if max > 0 {
		r.MaxRequests = max
	}
	if r.MaxRequests <= 0 || l.store == nil {
		return Decision{Allowed: true}
	}

	now := l.now()
	windowStart := now.UnixNano() - now.UnixNano()%int64(r.Window)
	key := l.cfg.Prefix + clientKey + ":" + route + ":" + strconv.FormatInt(windowStart/int64(time.Second), 10)

	count, err := l.store.Incr(ctx, key, r.Window*2)
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues(route, "error").Inc()
		l.log.Warn("rate limit store failed, admitting",
			zap.String("client", clientKey), zap.String("route", route), zap.Error(err))
		return Decision{Allowed: true, Limit: r.MaxRequests}
	}

	d := Decision{Allowed: count <= int64(r.MaxRequests), Count: count, Limit: r.MaxRequests}
	if !d.Allowed {
		d.RetryAfter = time.Duration(windowStart + int64(r.Window) - now.UnixNano())
		metrics.RateLimitDecisions.WithLabelValues(route, "rejected").Inc()
		return d
	}
	metrics.RateLimitDecisions.WithLabelValues(route, "allowed").Inc()
	return d
}

// RetryAfterSeconds rounds d up to whole seconds, at least 1.
func RetryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

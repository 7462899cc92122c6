package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/config"
	"github.com/jmehdipour/credits-gateway/internal/http/middleware"
	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/metrics"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/ratelimit"
	"github.com/jmehdipour/credits-gateway/internal/repository"
	"github.com/jmehdipour/credits-gateway/internal/service/payments"
	"github.com/jmehdipour/credits-gateway/internal/service/usage"
)

// readRoute is the rate limit route key shared by the non-billable endpoints.
const readRoute = "read"

// Deps are the collaborators behind the API. Reports may be nil when
// ClickHouse is not configured.
type Deps struct {
	Ledger    *ledger.Ledger
	Usage     *usage.Service
	Payments  *payments.Processor
	Users     repository.UsersRepository
	Limiter   *ratelimit.Limiter
	Reports   repository.CHTransactionsRepository
	Registry  prometheus.Registerer
	Log       *zap.Logger
	Readiness func(ctx context.Context) error
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Registry == nil {
		d.Registry = prometheus.DefaultRegisterer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Server.ReadTimeout = cfg.HTTP.ReadTimeout
	e.Server.WriteTimeout = cfg.HTTP.WriteTimeout
	e.Use(echoMid.Recover(), echoMid.RequestID(), requestLogger(d.Log))
	if cfg.HTTP.BodyLimit != "" {
		e.Use(echoMid.BodyLimit(cfg.HTTP.BodyLimit))
	}

	metrics.MustRegister(d.Registry)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/healthz", func(c echo.Context) error {
		if d.Readiness != nil {
			if err := d.Readiness(c.Request().Context()); err != nil {
				d.Log.Warn("readiness check failed", zap.Error(err))
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	h := &handlers{
		ledger:   d.Ledger,
		usage:    d.Usage,
		payments: d.Payments,
		reports:  d.Reports,
		log:      d.Log,
		topUpURL: cfg.Payments.TopUpURL,
		secret:   cfg.Payments.WebhookSecret,
	}

	// payment provider callback, authenticated by shared secret
	e.POST("/v1/payments/confirm", h.confirmPayment)

	authMW := middleware.APIKeyMiddleware(d.Users, d.Log)
	readMW := middleware.RateLimitMiddleware(d.Limiter, readRoute)

	v1 := e.Group("/v1", authMW)
	v1.POST("/leads/lookup", h.execute(model.ServiceLeadLookup))
	v1.POST("/companies/enrich", h.execute(model.ServiceCompanyEnrichment))
	v1.POST("/emails/verify", h.execute(model.ServiceEmailVerification))
	v1.POST("/techstack/lookup", h.execute(model.ServiceTechStackLookup))
	v1.POST("/crm/push", h.execute(model.ServiceCRMWrite))
	v1.POST("/messages/whatsapp", h.execute(model.ServiceWhatsAppMessages))

	v1.GET("/balance", h.balances, readMW)
	v1.GET("/balance/:service", h.balance, readMW)
	v1.GET("/transactions", h.transactions, readMW)
	v1.GET("/cohorts/:service", h.cohorts, readMW)
	v1.GET("/reports/transactions", h.reportTransactions, readMW)

	return &Server{e: e, log: d.Log}
}

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// ServeHTTP exposes the router, e.g. for httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Info("request", fields...)
			return nil
		},
	})
}

package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/metrics"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/orchestrator"
	"github.com/jmehdipour/credits-gateway/internal/ratelimit"
)

var (
	ErrRateLimited     = errors.New("usage: rate limited")
	ErrProviderFailure = errors.New("usage: provider failure")
	ErrProviderTimeout = errors.New("usage: provider timeout")
	ErrInvalidRequest  = errors.New("usage: invalid request")
)

// RateLimitError is returned when admission is refused. It matches ErrRateLimited.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: limit %d, retry after %s", e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

type Ledger interface {
	Reserve(ctx context.Context, userID int64, svc model.ServiceType, qty int64) (model.Reservation, error)
	Commit(ctx context.Context, token string, req ledger.CommitRequest) (model.Transaction, error)
	Release(ctx context.Context, token string) error
}

type Limiter interface {
	AdmitMax(ctx context.Context, clientKey, route string, max int) ratelimit.Decision
}

type Runner interface {
	Run(ctx context.Context, c orchestrator.Client, in orchestrator.Input, budget orchestrator.Budget) orchestrator.Outcome
}

type Picker interface {
	Pick(svc model.ServiceType) (orchestrator.Client, error)
}

type Config struct {
	Budget orchestrator.Budget
	// ItemConcurrency bounds concurrent jobs for providers that take one item per job.
	ItemConcurrency int
	// RequestTimeout bounds all provider work of one Execute, across every
	// per-item job. Defaults to Budget.TotalTimeout.
	RequestTimeout time.Duration
	// ReleaseTimeout bounds the release that runs after the caller has gone.
	ReleaseTimeout time.Duration
	Pricing        map[model.ServiceType]decimal.Decimal
}

// Request is one billable call. Units defaults to the number of items.
// Client is optional; without it a provider is picked for Service.
type Request struct {
	UserID        int64
	ClientKey     string
	Route         string
	RateLimitMax  int
	Service       model.ServiceType
	Units         int64
	Client        orchestrator.Client
	Input         orchestrator.Input
	CorrelationID string
}

type Result struct {
	ReservationID string
	Provider      string
	Records       []model.Record
	Charged       int64
	Transaction   model.Transaction
}

// Service ties admission, the credit reservation and the provider job into
// one operation. Credits are charged only for records the provider delivered.
type Service struct {
	ledger    Ledger
	limiter   Limiter
	runner    Runner
	providers Picker
	cfg       Config
	log       *zap.Logger
}

func New(l Ledger, limiter Limiter, runner Runner, providers Picker, cfg Config, log *zap.Logger) *Service {
	if cfg.ItemConcurrency <= 0 {
		cfg.ItemConcurrency = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = cfg.Budget.TotalTimeout
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = orchestrator.DefaultBudget().TotalTimeout
		}
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{ledger: l, limiter: limiter, runner: runner, providers: providers, cfg: cfg, log: log}
}

func (s *Service) Execute(ctx context.Context, req Request) (res Result, err error) {
	defer func() { metrics.UsageRequests.WithLabelValues(string(req.Service), resultLabel(err)).Inc() }()

	if err := validate(&req); err != nil {
		return Result{}, err
	}

	if s.limiter != nil {
		d := s.limiter.AdmitMax(ctx, req.ClientKey, req.Route, req.RateLimitMax)
		if !d.Allowed {
			return Result{}, &RateLimitError{Limit: d.Limit, RetryAfter: d.RetryAfter}
		}
	}

	client := req.Client
	if client == nil {
		if s.providers == nil {
			return Result{}, fmt.Errorf("%w: no provider registry", ErrProviderFailure)
		}
		client, err = s.providers.Pick(req.Service)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrProviderFailure, err)
		}
	}

	rsv, err := s.ledger.Reserve(ctx, req.UserID, req.Service, req.Units)
	if err != nil {
		return Result{}, err
	}
	res.ReservationID = rsv.ID
	res.Provider = client.Name()
	if req.CorrelationID == "" {
		req.CorrelationID = rsv.ID
	}

	settled := false
	defer func() {
		if settled {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReleaseTimeout)
		defer cancel()
		if rerr := s.ledger.Release(rctx, rsv.ID); rerr != nil {
			// the stale reservation sweep releases it later
			s.log.Error("release reservation failed",
				zap.String("reservation_id", rsv.ID),
				zap.Int64("user_id", req.UserID),
				zap.Error(rerr),
			)
		}
	}()

	runCtx, cancelRun := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	records, err := s.run(runCtx, client, req)
	cancelRun()
	if err != nil {
		s.log.Warn("provider job did not succeed",
			zap.String("provider", client.Name()),
			zap.String("service", string(req.Service)),
			zap.String("reservation_id", rsv.ID),
			zap.Error(err),
		)
		return res, err
	}
	res.Records = records

	ok := model.CountOK(records)
	if ok > req.Units {
		s.log.Warn("provider returned more results than reserved",
			zap.String("provider", client.Name()),
			zap.Int64("results", ok),
			zap.Int64("reserved", req.Units),
		)
		ok = req.Units
	}

	tx, err := s.ledger.Commit(ctx, rsv.ID, ledger.CommitRequest{
		Actual:        ok,
		UnitCost:      s.cfg.Pricing[req.Service],
		Provider:      client.Name(),
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return res, fmt.Errorf("commit reservation %s: %w", rsv.ID, err)
	}
	settled = true
	res.Charged = ok
	res.Transaction = tx
	return res, nil
}

func validate(req *Request) error {
	switch {
	case req.UserID <= 0:
		return fmt.Errorf("%w: missing user", ErrInvalidRequest)
	case !req.Service.Valid():
		return fmt.Errorf("%w: unknown service %q", ErrInvalidRequest, req.Service)
	case len(req.Input.Items) == 0:
		return fmt.Errorf("%w: no items", ErrInvalidRequest)
	}
	if req.Units == 0 {
		req.Units = int64(len(req.Input.Items))
	}
	if req.Units < 0 {
		return fmt.Errorf("%w: negative units", ErrInvalidRequest)
	}
	req.Input.Service = req.Service
	if req.Route == "" {
		req.Route = string(req.Service)
	}
	return nil
}

// run executes the job and returns its records, or ErrProviderFailure /
// ErrProviderTimeout when nothing usable came back.
func (s *Service) run(ctx context.Context, c orchestrator.Client, req Request) ([]model.Record, error) {
	if c.Batch() || len(req.Input.Items) == 1 {
		return outcomeRecords(s.runner.Run(ctx, c, req.Input, s.cfg.Budget))
	}

	outcomes := make([]orchestrator.Outcome, len(req.Input.Items))
	var g errgroup.Group
	g.SetLimit(s.cfg.ItemConcurrency)
	for i, item := range req.Input.Items {
		i := i
		in := orchestrator.Input{Service: req.Service, Items: []string{item}, Params: req.Input.Params}
		g.Go(func() error {
			outcomes[i] = s.runner.Run(ctx, c, in, s.cfg.Budget)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderTimeout, ctx.Err())
	}

	var (
		records          []model.Record
		succeeded, timed int
		lastErr          error
	)
	for i, out := range outcomes {
		recs, err := outcomeRecords(out)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrProviderTimeout) {
				timed++
			}
			records = append(records, model.Record{
				Provider:  c.Name(),
				Service:   req.Service,
				Key:       req.Input.Items[i],
				Error:     err.Error(),
				FetchedAt: time.Now(),
			})
			continue
		}
		succeeded++
		records = append(records, recs...)
	}
	if succeeded == 0 {
		if timed > 0 {
			return nil, fmt.Errorf("%w: %d of %d items timed out", ErrProviderTimeout, timed, len(outcomes))
		}
		return nil, lastErr
	}
	return records, nil
}

func outcomeRecords(out orchestrator.Outcome) ([]model.Record, error) {
	switch out.Kind {
	case orchestrator.Succeeded:
		return out.Records, nil
	case orchestrator.TimedOut:
		if out.Cancelled {
			return nil, fmt.Errorf("%w: %w", ErrProviderTimeout, context.Canceled)
		}
		return nil, fmt.Errorf("%w: provider %s after %d polls", ErrProviderTimeout, out.Provider, out.Attempts)
	default:
		return nil, fmt.Errorf("%w: provider %s: %s", ErrProviderFailure, out.Provider, out.Detail)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case ledger.IsInsufficientCredits(err):
		return "insufficient_credits"
	case errors.Is(err, ErrProviderTimeout):
		return "provider_timeout"
	case errors.Is(err, ErrProviderFailure):
		return "provider_failure"
	case ledger.IsIntegrity(err):
		return "integrity"
	default:
		return "error"
	}
}

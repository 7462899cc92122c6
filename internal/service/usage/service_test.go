package usage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/orchestrator"
	"github.com/jmehdipour/credits-gateway/internal/provider"
	"github.com/jmehdipour/credits-gateway/internal/ratelimit"
	"github.com/jmehdipour/credits-gateway/internal/service/usage"
)

const user = int64(42)

type fixture struct {
	ledger   *ledger.Ledger
	registry *provider.Registry
	svc      *usage.Service
}

func newFixture(t *testing.T, credits int64, limiter usage.Limiter, budget orchestrator.Budget) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), zap.NewNop())
	if credits > 0 {
		_, _, err := l.Credit(context.Background(), ledger.Purchase{
			UserID:    user,
			Service:   model.ServiceLeadLookup,
			Quantity:  credits,
			UnitPrice: decimal.RequireFromString("0.10"),
			PaymentID: "pay-1",
		})
		require.NoError(t, err)
	}
	reg := provider.NewRegistry()
	svc := usage.New(l, limiter, orchestrator.New(zap.NewNop()), reg, usage.Config{
		Budget:          budget,
		ItemConcurrency: 3,
		Pricing:         map[model.ServiceType]decimal.Decimal{model.ServiceLeadLookup: decimal.RequireFromString("0.25")},
	}, zap.NewNop())
	return &fixture{ledger: l, registry: reg, svc: svc}
}

func fastBudget() orchestrator.Budget {
	return orchestrator.Budget{TotalTimeout: time.Second, PollInterval: time.Millisecond}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), user, model.ServiceLeadLookup)
	require.NoError(t, err)
	return b
}

func (f *fixture) usageRecords(t *testing.T) []model.Transaction {
	t.Helper()
	txs, err := f.ledger.Transactions(context.Background(), user, 100, 0)
	require.NoError(t, err)
	var out []model.Transaction
	for _, tx := range txs {
		if tx.Kind == model.KindUsage {
			out = append(out, tx)
		}
	}
	return out
}

func lookup(items ...string) usage.Request {
	return usage.Request{
		UserID:    user,
		ClientKey: "key-42",
		Route:     "lead_lookup",
		Service:   model.ServiceLeadLookup,
		Input:     orchestrator.Input{Items: items},
	}
}

func TestExecute_ConcurrentSingleUnitWithOneCredit(t *testing.T) {
	f := newFixture(t, 1, nil, fastBudget())
	f.registry.Register(model.ServiceLeadLookup, provider.NewMock("p", model.ServiceLeadLookup, provider.WithPendingPolls(2)))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Execute(context.Background(), lookup(fmt.Sprintf("https://linkedin.com/in/u%d", i)))
		}()
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case ledger.IsInsufficientCredits(err):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(0), f.balance(t))
	assert.Len(t, f.usageRecords(t), 1)
}

func TestExecute_BatchChargesOnlySuccessfulRecords(t *testing.T) {
	f := newFixture(t, 20, nil, fastBudget())
	failing := map[string]bool{"u7": true, "u8": true, "u9": true}
	f.registry.Register(model.ServiceLeadLookup, provider.NewMock("batcher", model.ServiceLeadLookup,
		provider.WithBatch(true),
		provider.WithPendingPolls(1),
		provider.WithItemFailure(func(s string) bool { return failing[s] }),
	))

	items := make([]string, 10)
	for i := range items {
		items[i] = fmt.Sprintf("u%d", i)
	}
	res, err := f.svc.Execute(context.Background(), lookup(items...))
	require.NoError(t, err)

	assert.Equal(t, int64(7), res.Charged)
	assert.Len(t, res.Records, 10)
	assert.Equal(t, "batcher", res.Provider)
	assert.Equal(t, int64(7), res.Transaction.Amount)
	assert.True(t, decimal.RequireFromString("1.75").Equal(res.Transaction.Cost))
	assert.Equal(t, res.ReservationID, res.Transaction.CorrelationID)
	assert.Equal(t, int64(13), f.balance(t))
	assert.Len(t, f.usageRecords(t), 1)
}

func TestExecute_PerItemJobs(t *testing.T) {
	f := newFixture(t, 5, nil, fastBudget())
	m := provider.NewMock("single", model.ServiceLeadLookup,
		provider.WithItemFailure(func(s string) bool { return s == "bad" }))

	req := lookup("a", "b", "bad")
	req.Client = m
	req.CorrelationID = "req-1"
	res, err := f.svc.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, m.Submissions())
	assert.Equal(t, int64(2), res.Charged)
	assert.Equal(t, "req-1", res.Transaction.CorrelationID)
	assert.Equal(t, int64(3), f.balance(t))
}

func TestExecute_ProviderFailureReleases(t *testing.T) {
	f := newFixture(t, 5, nil, fastBudget())
	f.registry.Register(model.ServiceLeadLookup, provider.NewMock("p", model.ServiceLeadLookup, provider.WithJobFailure("upstream down")))

	_, err := f.svc.Execute(context.Background(), lookup("a"))
	require.ErrorIs(t, err, usage.ErrProviderFailure)
	assert.Contains(t, err.Error(), "upstream down")
	assert.Equal(t, int64(5), f.balance(t))
	assert.Empty(t, f.usageRecords(t))
}

func TestExecute_TimeoutReleases(t *testing.T) {
	f := newFixture(t, 5, nil, orchestrator.Budget{TotalTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	f.registry.Register(model.ServiceLeadLookup, provider.NewMock("slow", model.ServiceLeadLookup, provider.WithNeverFinish()))

	_, err := f.svc.Execute(context.Background(), lookup("a", "b"))
	require.ErrorIs(t, err, usage.ErrProviderTimeout)
	assert.Equal(t, int64(5), f.balance(t))
	assert.Empty(t, f.usageRecords(t))
}

func TestExecute_CancellationReleases(t *testing.T) {
	f := newFixture(t, 5, nil, orchestrator.Budget{TotalTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond})
	f.registry.Register(model.ServiceLeadLookup, provider.NewMock("slow", model.ServiceLeadLookup, provider.WithNeverFinish()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := f.svc.Execute(ctx, lookup("a"))
	require.ErrorIs(t, err, usage.ErrProviderTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(5), f.balance(t))
}

func TestExecute_PerItemJobsShareRequestDeadline(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), zap.NewNop())
	_, _, err := l.Credit(context.Background(), ledger.Purchase{
		UserID: user, Service: model.ServiceLeadLookup, Quantity: 5,
		UnitPrice: decimal.RequireFromString("0.10"), PaymentID: "pay-1",
	})
	require.NoError(t, err)

	slow := provider.NewMock("slow", model.ServiceLeadLookup, provider.WithNeverFinish())
	svc := usage.New(l, nil, orchestrator.New(zap.NewNop()), nil, usage.Config{
		Budget:          orchestrator.Budget{TotalTimeout: time.Second, PollInterval: 10 * time.Millisecond},
		ItemConcurrency: 1,
		RequestTimeout:  150 * time.Millisecond,
	}, zap.NewNop())

	req := lookup("a", "b", "c", "d")
	req.Client = slow
	start := time.Now()
	_, err = svc.Execute(context.Background(), req)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, usage.ErrProviderTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 800*time.Millisecond, "four one-second jobs run one at a time would take four seconds")
	assert.Less(t, slow.Submissions(), 4)

	bal, err := l.Balance(context.Background(), user, model.ServiceLeadLookup)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
}

// commitFailingLedger reserves and releases in memory but cannot commit.
type commitFailingLedger struct {
	mu       sync.Mutex
	released []string
}

func (l *commitFailingLedger) Reserve(_ context.Context, userID int64, svc model.ServiceType, qty int64) (model.Reservation, error) {
	return model.Reservation{ID: "rsv-1", UserID: userID, Service: svc, Quantity: qty, Status: model.ReservationHeld}, nil
}

func (l *commitFailingLedger) Commit(context.Context, string, ledger.CommitRequest) (model.Transaction, error) {
	return model.Transaction{}, errors.New("connection refused")
}

func (l *commitFailingLedger) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, token)
	return nil
}

func TestExecute_CommitFailureReleases(t *testing.T) {
	l := &commitFailingLedger{}
	svc := usage.New(l, nil, orchestrator.New(zap.NewNop()), nil, usage.Config{Budget: fastBudget()}, zap.NewNop())

	req := lookup("a", "b")
	req.Client = provider.NewMock("p", model.ServiceLeadLookup, provider.WithBatch(true))
	res, err := svc.Execute(context.Background(), req)

	require.ErrorContains(t, err, "commit reservation rsv-1")
	assert.ErrorContains(t, err, "connection refused")
	assert.NotErrorIs(t, err, usage.ErrProviderFailure)
	assert.NotErrorIs(t, err, usage.ErrProviderTimeout)
	assert.Equal(t, "rsv-1", res.ReservationID)
	assert.Zero(t, res.Charged)
	assert.Equal(t, []string{"rsv-1"}, l.released)
}

func TestExecute_RateLimitedBeforeReserve(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{
		Default: ratelimit.Rule{MaxRequests: 1, Window: time.Minute},
	}, zap.NewNop())
	f := newFixture(t, 5, limiter, fastBudget())
	f.registry.Register(model.ServiceLeadLookup, provider.NewMock("p", model.ServiceLeadLookup))

	_, err := f.svc.Execute(context.Background(), lookup("a"))
	require.NoError(t, err)

	_, err = f.svc.Execute(context.Background(), lookup("b"))
	require.ErrorIs(t, err, usage.ErrRateLimited)
	var rle *usage.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 1, rle.Limit)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
	assert.Equal(t, int64(4), f.balance(t))
}

func TestExecute_InsufficientCredits(t *testing.T) {
	f := newFixture(t, 1, nil, fastBudget())
	m := provider.NewMock("p", model.ServiceLeadLookup, provider.WithBatch(true))
	f.registry.Register(model.ServiceLeadLookup, m)

	_, err := f.svc.Execute(context.Background(), lookup("a", "b", "c"))
	var ice *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, int64(3), ice.Required)
	assert.Equal(t, int64(1), ice.Available)
	assert.Equal(t, 0, m.Submissions())
}

func TestExecute_NoProvider(t *testing.T) {
	f := newFixture(t, 5, nil, fastBudget())
	_, err := f.svc.Execute(context.Background(), lookup("a"))
	require.ErrorIs(t, err, usage.ErrProviderFailure)
	assert.ErrorIs(t, err, provider.ErrNoProvider)
	assert.Equal(t, int64(5), f.balance(t))
}

func TestExecute_InvalidRequest(t *testing.T) {
	f := newFixture(t, 5, nil, fastBudget())

	_, err := f.svc.Execute(context.Background(), lookup())
	assert.ErrorIs(t, err, usage.ErrInvalidRequest)

	req := lookup("a")
	req.Service = "teleport"
	_, err = f.svc.Execute(context.Background(), req)
	assert.ErrorIs(t, err, usage.ErrInvalidRequest)
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/kafka"
	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/repository"
	"github.com/jmehdipour/credits-gateway/internal/service/payments"
)

type fakeSource struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func newFakeSource(msgs ...kafka.Message) *fakeSource {
	ch := make(chan kafka.Message, len(msgs))
	for i, m := range msgs {
		m.Offset = int64(i + 1)
		ch <- m
	}
	return &fakeSource{msgs: ch}
}

func (f *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeSource) Commit(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeSource) Committed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func run(t *testing.T, fn func(ctx context.Context) error) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func jsonMsg(t *testing.T, v any) kafka.Message {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestPaymentsConsumer_CommitsAppliedAndPoisonMessages(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), zap.NewNop())
	pc := model.PaymentConfirmation{
		UserID:    3,
		Service:   model.ServiceLeadLookup,
		Quantity:  40,
		UnitPrice: decimal.RequireFromString("0.1"),
		PaymentID: "pi_a",
	}
	src := newFakeSource(
		jsonMsg(t, pc),
		kafka.Message{Value: []byte("{not json")},
		jsonMsg(t, model.PaymentConfirmation{UserID: 3, Service: model.ServiceLeadLookup, Quantity: 5}),
		jsonMsg(t, pc),
	)
	w := NewPaymentsConsumer(src, payments.NewProcessor(l, zap.NewNop()), zap.NewNop())

	stop := run(t, w.Run)
	require.Eventually(t, func() bool { return len(src.Committed()) == 4 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int64{1, 2, 3, 4}, src.Committed())
	bal, err := l.Balance(context.Background(), 3, model.ServiceLeadLookup)
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal)
}

type flakyApplier struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyApplier) Apply(_ context.Context, _ model.PaymentConfirmation) (payments.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return payments.Result{}, errors.New("deadlock found when trying to get lock")
	}
	return payments.Result{}, nil
}

func (f *flakyApplier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPaymentsConsumer_RetriesTransientErrors(t *testing.T) {
	src := newFakeSource(jsonMsg(t, model.PaymentConfirmation{UserID: 1, PaymentID: "x"}))
	app := &flakyApplier{failures: 2}
	w := NewPaymentsConsumer(src, app, zap.NewNop())
	w.RetryMin = time.Millisecond

	stop := run(t, w.Run)
	require.Eventually(t, func() bool { return len(src.Committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, 3, app.Calls())
}

type fakeArchive struct {
	mu    sync.Mutex
	down  bool
	calls int
	fails int
	rows  []model.Transaction
}

func (f *fakeArchive) InsertBatch(_ context.Context, txns []model.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return errors.New("clickhouse: connection refused")
	}
	if f.fails > 0 {
		f.fails--
		return errors.New("clickhouse: connection refused")
	}
	f.rows = append(f.rows, txns...)
	return nil
}

func (f *fakeArchive) SetDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeArchive) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeArchive) Rows() []model.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Transaction(nil), f.rows...)
}

func TestArchiver_FlushesBySizeAndTime(t *testing.T) {
	src := newFakeSource(
		jsonMsg(t, model.Transaction{ID: "t1", Kind: model.KindPurchase, Amount: 5}),
		jsonMsg(t, model.Transaction{ID: "t2", Kind: model.KindUsage, Amount: 1}),
		kafka.Message{Value: []byte("garbage")},
	)
	archive := &fakeArchive{fails: 1}
	w := NewArchiver(src, archive, zap.NewNop())
	w.BatchSize = 2
	w.BatchWait = 10 * time.Millisecond
	w.RetryMin = time.Millisecond

	stop := run(t, w.Run)
	require.Eventually(t, func() bool { return len(src.Committed()) == 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	rows := archive.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "t1", rows[0].ID)
	assert.Equal(t, model.KindUsage, rows[1].Kind)
}

func TestArchiver_StopsReadingWhileInsertsFail(t *testing.T) {
	var msgs []kafka.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, jsonMsg(t, model.Transaction{ID: fmt.Sprintf("t%d", i), Kind: model.KindUsage, Amount: 1}))
	}
	src := newFakeSource(msgs...)
	archive := &fakeArchive{down: true}
	w := NewArchiver(src, archive, zap.NewNop())
	w.BatchSize = 2
	w.BatchWait = 2 * time.Millisecond
	w.RetryMin = 10 * time.Millisecond
	w.RetryMax = 40 * time.Millisecond

	stop := run(t, w.Run)
	defer stop()

	time.Sleep(150 * time.Millisecond)
	assert.GreaterOrEqual(t, len(src.msgs), 20-5, "at most a batch held, a batch queued and one in hand")
	assert.LessOrEqual(t, archive.Calls(), 8, "retries back off instead of following the flush ticker")
	assert.Empty(t, src.Committed())

	archive.SetDown(false)
	require.Eventually(t, func() bool { return len(src.Committed()) == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, archive.Rows(), 20)
}

type fakeDrainer struct {
	events    []model.OutboxEvent
	published map[int64]bool
}

func (f *fakeDrainer) Drain(ctx context.Context, limit int, publish repository.PublishFunc) (int, error) {
	var batch []model.OutboxEvent
	for _, ev := range f.events {
		if !f.published[ev.ID] && len(batch) < limit {
			batch = append(batch, ev)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := publish(ctx, batch); err != nil {
		return 0, err
	}
	for _, ev := range batch {
		f.published[ev.ID] = true
	}
	return len(batch), nil
}

type fakePublisher struct {
	fail bool
	msgs []kafka.Message
}

func (f *fakePublisher) Publish(_ context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("kafka: leader not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestRelay_PublishesUntilEmpty(t *testing.T) {
	d := &fakeDrainer{published: map[int64]bool{}}
	for i := int64(1); i <= 5; i++ {
		d.events = append(d.events, model.OutboxEvent{
			ID: i, Aggregate: "credit_transaction", AggregateID: "txn_" + string(rune('a'+i)),
			Topic: ledger.DefaultOutboxTopic, Payload: []byte(`{}`),
		})
	}
	pub := &fakePublisher{fail: true}
	w := NewRelay(d, pub, zap.NewNop())
	w.BatchSize = 2

	n, err := w.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, d.published)

	pub.fail = false
	n, err = w.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, pub.msgs, 5)
	assert.Equal(t, ledger.DefaultOutboxTopic, pub.msgs[0].Topic)
	assert.Equal(t, "txn_b", string(pub.msgs[0].Key))
	assert.Equal(t, "aggregate", pub.msgs[0].Headers[0].Key)
}

func TestSweeper_ReleasesThenExpires(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := ledger.New(ledger.NewMemoryStore(), zap.NewNop(), ledger.WithClock(clock))
	ctx := context.Background()

	_, _, err := l.Credit(ctx, ledger.Purchase{UserID: 9, Service: model.ServiceCRMWrite, Quantity: 10, PaymentID: "p", ExpirationDays: 1})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 9, model.ServiceCRMWrite, 3)
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	s := NewSweeper(l, time.Minute, 10*time.Minute, zap.NewNop())
	s.now = clock

	expired, released, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, 1, expired)

	bal, err := l.Balance(ctx, 9, model.ServiceCRMWrite)
	require.NoError(t, err)
	assert.Zero(t, bal)

	expired, released, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Zero(t, released)
}

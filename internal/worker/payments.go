package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/kafka"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/service/payments"
)

type PaymentApplier interface {
	Apply(ctx context.Context, pc model.PaymentConfirmation) (payments.Result, error)
}

// PaymentsConsumer credits confirmed payments from the payments topic.
// A message is committed only after it is applied or found unusable, so
// delivery is at least once and the ledger absorbs the replays.
type PaymentsConsumer struct {
	Source    Source
	Processor PaymentApplier
	Log       *zap.Logger

	RetryMin time.Duration
	RetryMax time.Duration
}

func NewPaymentsConsumer(src Source, p PaymentApplier, log *zap.Logger) *PaymentsConsumer {
	return &PaymentsConsumer{
		Source:    src,
		Processor: p,
		Log:       log,
		RetryMin:  200 * time.Millisecond,
		RetryMax:  10 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (w *PaymentsConsumer) Run(ctx context.Context) error {
	for {
		m, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, w.RetryMin) {
				return nil
			}
			continue
		}

		if !w.handle(ctx, m) {
			return nil
		}
		if err := w.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
			w.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// handle applies m, retrying transient failures. It returns false when ctx
// ended first.
func (w *PaymentsConsumer) handle(ctx context.Context, m kafka.Message) bool {
	var pc model.PaymentConfirmation
	if err := json.Unmarshal(m.Value, &pc); err != nil {
		w.Log.Error("skipping malformed payment message",
			zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		return true
	}

	wait := w.RetryMin
	for {
		_, err := w.Processor.Apply(ctx, pc)
		switch {
		case err == nil:
			return true
		case errors.Is(err, payments.ErrInvalidPayment):
			w.Log.Error("skipping invalid payment", zap.String("payment_id", pc.PaymentID), zap.Error(err))
			return true
		}

		w.Log.Warn("payment apply failed, retrying",
			zap.String("payment_id", pc.PaymentID), zap.Duration("backoff", wait), zap.Error(err))
		if !sleep(ctx, wait) {
			return false
		}
		wait = min(wait*2, w.RetryMax)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

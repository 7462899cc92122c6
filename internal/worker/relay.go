package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/kafka"
	"github.com/jmehdipour/credits-gateway/internal/metrics"
	"github.com/jmehdipour/credits-gateway/internal/model"
	"github.com/jmehdipour/credits-gateway/internal/repository"
)

type OutboxDrainer interface {
	Drain(ctx context.Context, limit int, publish repository.PublishFunc) (int, error)
}

// Relay publishes outbox rows to Kafka. A row is marked published only after
// the broker acknowledged it, so consumers may see duplicates but never gaps.
type Relay struct {
	Outbox    OutboxDrainer
	Publisher Publisher
	Log       *zap.Logger
	BatchSize int
	Interval  time.Duration
}

func NewRelay(outbox OutboxDrainer, pub Publisher, log *zap.Logger) *Relay {
	return &Relay{Outbox: outbox, Publisher: pub, Log: log, BatchSize: 200, Interval: time.Second}
}

// Run blocks until ctx is cancelled.
func (w *Relay) Run(ctx context.Context) error {
	if w.BatchSize <= 0 {
		w.BatchSize = 200
	}
	if w.Interval <= 0 {
		w.Interval = time.Second
	}

	tick := time.NewTicker(w.Interval)
	defer tick.Stop()
	for {
		if _, err := w.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			w.Log.Warn("outbox relay failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RelayOnce drains full batches until the outbox is empty.
func (w *Relay) RelayOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.Outbox.Drain(ctx, w.BatchSize, w.publish)
		total += n
		if err != nil || n < w.BatchSize {
			return total, err
		}
	}
}

func (w *Relay) publish(ctx context.Context, events []model.OutboxEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msgs = append(msgs, kafka.Message{
			Topic: ev.Topic,
			Key:   []byte(ev.AggregateID),
			Value: ev.Payload,
			Headers: []kafka.Header{
				{Key: "aggregate", Value: []byte(ev.Aggregate)},
			},
		})
	}
	if err := w.Publisher.Publish(ctx, msgs...); err != nil {
		return err
	}
	metrics.OutboxPublished.Add(float64(len(msgs)))
	return nil
}

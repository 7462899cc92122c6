package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/kafka"
	"github.com/jmehdipour/credits-gateway/internal/metrics"
	"github.com/jmehdipour/credits-gateway/internal/model"
)

type TransactionArchive interface {
	InsertBatch(ctx context.Context, txns []model.Transaction) error
}

// Archiver copies transaction events into ClickHouse in batches flushed by
// size or time. Offsets are committed after the batch is written. While
// inserts fail it retries with backoff and stops reading once a full batch
// is pending.
type Archiver struct {
	Source    Source
	Archive   TransactionArchive
	Log       *zap.Logger
	BatchSize int
	BatchWait time.Duration
	RetryMin  time.Duration
	RetryMax  time.Duration
}

func NewArchiver(src Source, archive TransactionArchive, log *zap.Logger) *Archiver {
	return &Archiver{
		Source:    src,
		Archive:   archive,
		Log:       log,
		BatchSize: 500,
		BatchWait: 2 * time.Second,
		RetryMin:  500 * time.Millisecond,
		RetryMax:  30 * time.Second,
	}
}

// Run blocks until ctx is cancelled, then flushes what it holds.
func (w *Archiver) Run(ctx context.Context) error {
	if w.BatchSize <= 0 {
		w.BatchSize = 500
	}
	if w.BatchWait <= 0 {
		w.BatchWait = 2 * time.Second
	}
	if w.RetryMin <= 0 {
		w.RetryMin = 500 * time.Millisecond
	}
	if w.RetryMax < w.RetryMin {
		w.RetryMax = max(30*time.Second, w.RetryMin)
	}

	msgCh := make(chan kafka.Message, w.BatchSize)
	go func() {
		defer close(msgCh)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				if !sleep(ctx, 200*time.Millisecond) {
					return
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	w.runBatchWriter(ctx, msgCh)
	return nil
}

func (w *Archiver) runBatchWriter(ctx context.Context, in <-chan kafka.Message) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	var (
		msgs  []kafka.Message
		txns  []model.Transaction
		wait  time.Duration // non-zero while inserts fail
		retry *time.Timer
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	flush := func(ctx context.Context) {
		if len(msgs) == 0 {
			return
		}
		if len(txns) > 0 {
			if err := w.Archive.InsertBatch(ctx, txns); err != nil {
				// kept for the retry
				wait = min(max(wait*2, w.RetryMin), w.RetryMax)
				if retry != nil {
					retry.Stop()
				}
				retry = time.NewTimer(wait)
				w.Log.Error("clickhouse insert failed",
					zap.Int("rows", len(txns)), zap.Duration("backoff", wait), zap.Error(err))
				return
			}
		}
		wait = 0
		if err := w.Source.Commit(ctx, msgs...); err != nil {
			w.Log.Warn("kafka commit failed", zap.Error(err))
		}
		metrics.ArchivedTransactions.Add(float64(len(txns)))
		w.Log.Debug("archived", zap.Int("rows", len(txns)), zap.Int("messages", len(msgs)))
		msgs, txns = msgs[:0], txns[:0]
	}

	final := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		flush(fctx)
	}

	for {
		src := in
		if len(msgs) >= w.BatchSize {
			// unread messages stay in kafka until this batch is written
			src = nil
		}
		var retryC <-chan time.Time
		if retry != nil {
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			final()
			return

		case m, ok := <-src:
			if !ok {
				final()
				return
			}
			msgs = append(msgs, m)
			var t model.Transaction
			if err := json.Unmarshal(m.Value, &t); err != nil || t.ID == "" {
				w.Log.Error("skipping malformed transaction event", zap.Int64("offset", m.Offset), zap.Error(err))
			} else {
				txns = append(txns, t)
			}
			if len(msgs) >= w.BatchSize && wait == 0 {
				flush(ctx)
			}

		case <-tick.C:
			if wait == 0 {
				flush(ctx)
			}

		case <-retryC:
			retry = nil
			flush(ctx)
		}
	}
}

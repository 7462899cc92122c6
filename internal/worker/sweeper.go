package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type LedgerSweeper interface {
	ExpireCohorts(ctx context.Context, now time.Time) (int, error)
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper expires lapsed credit cohorts and releases reservations that were
// never settled, e.g. after a crash between reserve and commit.
type Sweeper struct {
	Ledger         LedgerSweeper
	Log            *zap.Logger
	Interval       time.Duration
	ReservationTTL time.Duration

	now func() time.Time
}

func NewSweeper(l LedgerSweeper, interval, reservationTTL time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{Ledger: l, Log: log, Interval: interval, ReservationTTL: reservationTTL, now: time.Now}
}

// Run sweeps immediately and then every Interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	if w.Interval <= 0 {
		w.Interval = time.Minute
	}
	tick := time.NewTicker(w.Interval)
	defer tick.Stop()
	for {
		if _, _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.Log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// Sweep releases stale reservations first so that expiration sees the
// credits they held.
func (w *Sweeper) Sweep(ctx context.Context) (expired, released int, err error) {
	var relErr error
	if w.ReservationTTL > 0 {
		released, relErr = w.Ledger.ReleaseStale(ctx, w.ReservationTTL)
	}
	expired, expErr := w.Ledger.ExpireCohorts(ctx, w.now())
	if expired > 0 || released > 0 {
		w.Log.Info("sweep done", zap.Int("expired_cohorts", expired), zap.Int("released_reservations", released))
	}
	return expired, released, errors.Join(relErr, expErr)
}

package ledger

import (
	"context"
	"time"

	"github.com/jmehdipour/credits-gateway/internal/model"
)

// Store persists ledger state. All mutations happen inside WithTx; the
// implementation guarantees that a Tx either commits as a whole or not at all,
// and that rows returned by Lock* stay locked until the Tx ends.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Balance(ctx context.Context, userID int64, service model.ServiceType) (model.Balance, error)
	Balances(ctx context.Context, userID int64) ([]model.Balance, error)
	Transactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error)
	Cohorts(ctx context.Context, userID int64, service model.ServiceType) ([]model.Cohort, error)
	ExpiredCohorts(ctx context.Context, now time.Time, limit int) ([]model.Cohort, error)
	StaleReservations(ctx context.Context, before time.Time, limit int) ([]model.Reservation, error)
}

// Tx is the set of primitives the ledger algorithms are written against.
type Tx interface {
	// LockBalance returns the balance row locked for update, creating an
	// empty row when the user has never held this service type.
	LockBalance(ctx context.Context, userID int64, service model.ServiceType) (model.Balance, error)
	// AdjustBalance applies deltas to available and reserved. It returns
	// ErrNegativeBalance instead of letting either column drop below zero.
	AdjustBalance(ctx context.Context, userID int64, service model.ServiceType, dAvailable, dReserved int64) error

	InsertReservation(ctx context.Context, r model.Reservation) error
	LockReservation(ctx context.Context, id string) (model.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id string, status model.ReservationStatus, at time.Time) error

	// InsertTransaction returns ErrDuplicate if the id or idempotency key exists.
	InsertTransaction(ctx context.Context, t model.Transaction) error
	TransactionByIdempotencyKey(ctx context.Context, key string) (model.Transaction, bool, error)
	// CorrelationTotals sums usage and refund amounts recorded under correlationID.
	CorrelationTotals(ctx context.Context, userID int64, service model.ServiceType, correlationID string) (debited, refunded int64, err error)

	InsertCohort(ctx context.Context, c model.Cohort) error
	LockCohort(ctx context.Context, id string) (model.Cohort, error)
	// LockOpenCohorts returns cohorts with remaining > 0, earliest expiry first.
	LockOpenCohorts(ctx context.Context, userID int64, service model.ServiceType) ([]model.Cohort, error)
	// LockRefillableCohorts returns unexpired cohorts with remaining < amount, latest expiry first.
	LockRefillableCohorts(ctx context.Context, userID int64, service model.ServiceType, now time.Time) ([]model.Cohort, error)
	SetCohortRemaining(ctx context.Context, id string, remaining int64) error

	InsertOutbox(ctx context.Context, aggregate, aggregateID, topic string, payload []byte) error
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
)

// scriptedPgTx answers every Exec with the same tag and error.
type scriptedPgTx struct {
	pgx.Tx
	tag   pgconn.CommandTag
	err   error
	execs []string
	args  [][]any
}

func (f *scriptedPgTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)
	return f.tag, f.err
}

func TestIsPgDuplicate(t *testing.T) {
	dup := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "uq_credit_transactions_idempotency_key"}

	assert.True(t, isPgDuplicate(dup))
	assert.True(t, isPgDuplicate(fmt.Errorf("insert: %w", dup)))
	assert.False(t, isPgDuplicate(&pgconn.PgError{Code: "23503"}), "foreign key violation")
	assert.False(t, isPgDuplicate(errors.New("duplicate key value")))
	assert.False(t, isPgDuplicate(nil))
}

func TestPostgresLedgerStore_AdjustRefusesNegative(t *testing.T) {
	ptx := &scriptedPgTx{tag: pgconn.NewCommandTag("UPDATE 0")}
	tx := &pgLedgerTx{tx: ptx}

	err := tx.AdjustBalance(context.Background(), 7, model.ServiceLeadLookup, -5, 0)
	assert.ErrorIs(t, err, ledger.ErrNegativeBalance)
	require.Len(t, ptx.execs, 1)
	assert.Contains(t, ptx.execs[0], "available + $1 >= 0")
	assert.Equal(t, []any{int64(-5), int64(0), int64(7), "lead_lookup"}, ptx.args[0])
}

func TestPostgresLedgerStore_AdjustApplies(t *testing.T) {
	ptx := &scriptedPgTx{tag: pgconn.NewCommandTag("UPDATE 1")}
	tx := &pgLedgerTx{tx: ptx}

	assert.NoError(t, tx.AdjustBalance(context.Background(), 7, model.ServiceLeadLookup, -2, 2))
	assert.Len(t, ptx.execs, 1)
}

func TestPostgresLedgerStore_AdjustSkipsZeroDelta(t *testing.T) {
	ptx := &scriptedPgTx{}
	tx := &pgLedgerTx{tx: ptx}

	assert.NoError(t, tx.AdjustBalance(context.Background(), 7, model.ServiceLeadLookup, 0, 0))
	assert.Empty(t, ptx.execs)
}

func TestPostgresLedgerStore_DuplicateInsertsMapToErrDuplicate(t *testing.T) {
	ptx := &scriptedPgTx{err: &pgconn.PgError{Code: pgUniqueViolation}}
	tx := &pgLedgerTx{tx: ptx}
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	err := tx.InsertTransaction(ctx, model.Transaction{
		ID: "txn_1", UserID: 7, Kind: model.KindPurchase, Service: model.ServiceLeadLookup,
		Amount: 10, Cost: decimal.RequireFromString("1.00"), IdempotencyKey: "purchase:pay_1:lead_lookup", CreatedAt: now,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicate)

	err = tx.InsertReservation(ctx, model.Reservation{
		ID: "rsv_1", UserID: 7, Service: model.ServiceLeadLookup, Quantity: 1,
		Status: model.ReservationHeld, CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicate)

	ptx.err = &pgconn.PgError{Code: "23502"}
	err = tx.InsertReservation(ctx, model.Reservation{ID: "rsv_2"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrDuplicate)
}

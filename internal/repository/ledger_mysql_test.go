package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "mysql"), mock
}

func TestMySQLLedgerStore_BalanceUnknownIsZero(t *testing.T) {
	db, mock := newMockDB(t)
	st := NewMySQLLedgerStore(db)

	mock.ExpectQuery(`SELECT .* FROM credit_balances`).
		WithArgs(int64(7), "lead_lookup").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "service", "available", "reserved", "updated_at"}))

	b, err := st.Balance(context.Background(), 7, model.ServiceLeadLookup)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Available)
	assert.Equal(t, model.ServiceLeadLookup, b.Service)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedgerStore_LockBalanceUpsertsThenLocks(t *testing.T) {
	db, mock := newMockDB(t)
	st := NewMySQLLedgerStore(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances .* ON DUPLICATE KEY UPDATE`).
		WithArgs(int64(7), "lead_lookup").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM credit_balances .* FOR UPDATE`).
		WithArgs(int64(7), "lead_lookup").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "service", "available", "reserved", "updated_at"}).
			AddRow(7, "lead_lookup", 12, 3, now))
	mock.ExpectCommit()

	var got model.Balance
	err := st.WithTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		got, err = tx.LockBalance(context.Background(), 7, model.ServiceLeadLookup)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Available)
	assert.Equal(t, int64(3), got.Reserved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedgerStore_AdjustRefusesNegative(t *testing.T) {
	db, mock := newMockDB(t)
	st := NewMySQLLedgerStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE credit_balances`).
		WithArgs(int64(-5), int64(5), int64(7), "lead_lookup", int64(-5), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.AdjustBalance(context.Background(), 7, model.ServiceLeadLookup, -5, 5)
	})
	assert.ErrorIs(t, err, ledger.ErrNegativeBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedgerStore_AdjustSkipsZeroDelta(t *testing.T) {
	db, mock := newMockDB(t)
	st := NewMySQLLedgerStore(db)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.AdjustBalance(context.Background(), 7, model.ServiceLeadLookup, 0, 0)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedgerStore_DuplicateTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	st := NewMySQLLedgerStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'purchase:p1:lead_lookup'"})
	mock.ExpectRollback()

	err := st.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertTransaction(context.Background(), model.Transaction{
			ID: "txn_1", Kind: model.KindPurchase, Service: model.ServiceLeadLookup, IdempotencyKey: "purchase:p1:lead_lookup",
		})
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedgerStore_LockReservationNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	st := NewMySQLLedgerStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM credit_reservations .* FOR UPDATE`).
		WithArgs("rsv_x").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "service", "quantity", "status", "created_at", "updated_at"}))
	mock.ExpectRollback()

	err := st.WithTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.LockReservation(context.Background(), "rsv_x")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrReservationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedgerStore_TransactionByIdempotencyKeyMiss(t *testing.T) {
	db, mock := newMockDB(t)
	st := NewMySQLLedgerStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM credit_transactions`).
		WithArgs("usage:rsv_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	var found bool
	err := st.WithTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		_, found, err = tx.TransactionByIdempotencyKey(context.Background(), "usage:rsv_1")
		return err
	})
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_DrainMarksPublished(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	now := time.Now()

	cols := []string{"id", "aggregate", "aggregate_id", "topic", "payload", "attempts", "published_at", "created_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM outbox .* FOR UPDATE SKIP LOCKED`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "credit_transaction", "txn_1", "credits.transactions", []byte(`{"id":"txn_1"}`), 0, nil, now, now).
			AddRow(2, "credit_transaction", "txn_2", "credits.transactions", []byte(`{"id":"txn_2"}`), 0, nil, now, now))
	mock.ExpectExec(`UPDATE outbox SET published_at`).
		WithArgs(int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	var seen []string
	n, err := repo.Drain(context.Background(), 100, func(_ context.Context, events []model.OutboxEvent) error {
		for _, e := range events {
			seen = append(seen, e.AggregateID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"txn_1", "txn_2"}, seen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_DrainPublishFailureBumpsAttempts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	now := time.Now()

	cols := []string{"id", "aggregate", "aggregate_id", "topic", "payload", "attempts", "published_at", "created_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM outbox`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(9, "credit_transaction", "txn_9", "credits.transactions", []byte(`{}`), 2, nil, now, now))
	mock.ExpectExec(`UPDATE outbox SET attempts = attempts \+ 1`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	boom := errors.New("broker down")
	n, err := repo.Drain(context.Background(), 10, func(context.Context, []model.OutboxEvent) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
)

const (
	balanceColumns     = `user_id, service, available, reserved, updated_at`
	reservationColumns = `id, user_id, service, quantity, status, created_at, updated_at`
	cohortColumns      = `id, user_id, service, amount, remaining, purchased_at, expires_at`
	transactionColumns = `id, user_id, kind, service, amount, cost, remaining_balance, provider,
		correlation_id, payment_method, payment_id, reason, idempotency_key, created_at`

	mysqlErrDuplicateEntry = 1062
)

// MySQLLedgerStore is the sqlx-backed ledger.Store. The DSN must carry
// parseTime=true.
type MySQLLedgerStore struct {
	db     *sqlx.DB
	outbox *OutboxRepositoryImpl
}

func NewMySQLLedgerStore(db *sqlx.DB) *MySQLLedgerStore {
	return &MySQLLedgerStore{db: db, outbox: NewOutboxRepository(db)}
}

var _ ledger.Store = (*MySQLLedgerStore)(nil)

func (s *MySQLLedgerStore) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	t, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()

	if err := fn(&mysqlLedgerTx{tx: t, outbox: s.outbox}); err != nil {
		return err
	}
	return t.Commit()
}

func (s *MySQLLedgerStore) Balance(ctx context.Context, userID int64, svc model.ServiceType) (model.Balance, error) {
	var b model.Balance
	err := s.db.GetContext(ctx, &b, `
		SELECT `+balanceColumns+`
		  FROM credit_balances
		 WHERE user_id = ? AND service = ?
	`, userID, svc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Balance{UserID: userID, Service: svc}, nil
	}
	return b, err
}

func (s *MySQLLedgerStore) Balances(ctx context.Context, userID int64) ([]model.Balance, error) {
	var rows []model.Balance
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+balanceColumns+`
		  FROM credit_balances
		 WHERE user_id = ?
		 ORDER BY service
	`, userID)
	return rows, err
}

func (s *MySQLLedgerStore) Transactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error) {
	var rows []model.Transaction
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+transactionColumns+`
		  FROM credit_transactions
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?
	`, userID, limit, offset)
	return rows, err
}

func (s *MySQLLedgerStore) Cohorts(ctx context.Context, userID int64, svc model.ServiceType) ([]model.Cohort, error) {
	var rows []model.Cohort
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE user_id = ? AND service = ?
		 ORDER BY expires_at, id
	`, userID, svc)
	return rows, err
}

func (s *MySQLLedgerStore) ExpiredCohorts(ctx context.Context, now time.Time, limit int) ([]model.Cohort, error) {
	var rows []model.Cohort
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE remaining > 0 AND expires_at <= ?
		 ORDER BY expires_at, id
		 LIMIT ?
	`, now, limit)
	return rows, err
}

func (s *MySQLLedgerStore) StaleReservations(ctx context.Context, before time.Time, limit int) ([]model.Reservation, error) {
	var rows []model.Reservation
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+reservationColumns+`
		  FROM credit_reservations
		 WHERE status = 'held' AND created_at < ?
		 ORDER BY created_at
		 LIMIT ?
	`, before, limit)
	return rows, err
}

type mysqlLedgerTx struct {
	tx     *sqlx.Tx
	outbox *OutboxRepositoryImpl
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry
}

func (t *mysqlLedgerTx) LockBalance(ctx context.Context, userID int64, svc model.ServiceType) (model.Balance, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, service, available, reserved, updated_at)
		VALUES (?, ?, 0, 0, NOW(6))
		ON DUPLICATE KEY UPDATE user_id = user_id
	`, userID, svc); err != nil {
		return model.Balance{}, err
	}

	var b model.Balance
	err := t.tx.GetContext(ctx, &b, `
		SELECT `+balanceColumns+`
		  FROM credit_balances
		 WHERE user_id = ? AND service = ?
		 FOR UPDATE
	`, userID, svc)
	return b, err
}

func (t *mysqlLedgerTx) AdjustBalance(ctx context.Context, userID int64, svc model.ServiceType, dAvail, dRsv int64) error {
	if dAvail == 0 && dRsv == 0 {
		return nil
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE credit_balances
		   SET available = available + ?, reserved = reserved + ?, updated_at = NOW(6)
		 WHERE user_id = ? AND service = ?
		   AND available + ? >= 0 AND reserved + ? >= 0
	`, dAvail, dRsv, userID, svc, dAvail, dRsv)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNegativeBalance
	}
	return nil
}

func (t *mysqlLedgerTx) InsertReservation(ctx context.Context, r model.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.Service, r.Quantity, r.Status, r.CreatedAt, r.UpdatedAt)
	if isDuplicate(err) {
		return ledger.ErrDuplicate
	}
	return err
}

func (t *mysqlLedgerTx) LockReservation(ctx context.Context, id string) (model.Reservation, error) {
	var r model.Reservation
	err := t.tx.GetContext(ctx, &r, `
		SELECT `+reservationColumns+`
		  FROM credit_reservations
		 WHERE id = ?
		 FOR UPDATE
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, ledger.ErrReservationNotFound
	}
	return r, err
}

func (t *mysqlLedgerTx) UpdateReservationStatus(ctx context.Context, id string, status model.ReservationStatus, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE credit_reservations SET status = ?, updated_at = ? WHERE id = ?
	`, status, at, id)
	return err
}

func (t *mysqlLedgerTx) InsertTransaction(ctx context.Context, tr model.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.UserID, tr.Kind, tr.Service, tr.Amount, tr.Cost, tr.RemainingBalance, tr.Provider,
		tr.CorrelationID, tr.PaymentMethod, tr.PaymentID, tr.Reason, tr.IdempotencyKey, tr.CreatedAt)
	if isDuplicate(err) {
		return ledger.ErrDuplicate
	}
	return err
}

func (t *mysqlLedgerTx) TransactionByIdempotencyKey(ctx context.Context, key string) (model.Transaction, bool, error) {
	var tr model.Transaction
	err := t.tx.GetContext(ctx, &tr, `
		SELECT `+transactionColumns+`
		  FROM credit_transactions
		 WHERE idempotency_key = ?
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, err
	}
	return tr, true, nil
}

func (t *mysqlLedgerTx) CorrelationTotals(ctx context.Context, userID int64, svc model.ServiceType, correlationID string) (int64, int64, error) {
	var debited, refunded int64
	err := t.tx.QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'usage'  THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN kind = 'refund' THEN amount ELSE 0 END), 0)
		  FROM credit_transactions
		 WHERE user_id = ? AND service = ? AND correlation_id = ?
	`, userID, svc, correlationID).Scan(&debited, &refunded)
	return debited, refunded, err
}

func (t *mysqlLedgerTx) InsertCohort(ctx context.Context, c model.Cohort) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_cohorts (`+cohortColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Service, c.Amount, c.Remaining, c.PurchasedAt, c.ExpiresAt)
	if isDuplicate(err) {
		return ledger.ErrDuplicate
	}
	return err
}

func (t *mysqlLedgerTx) LockCohort(ctx context.Context, id string) (model.Cohort, error) {
	var c model.Cohort
	err := t.tx.GetContext(ctx, &c, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE id = ?
		 FOR UPDATE
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Cohort{}, ledger.ErrCohortNotFound
	}
	return c, err
}

func (t *mysqlLedgerTx) LockOpenCohorts(ctx context.Context, userID int64, svc model.ServiceType) ([]model.Cohort, error) {
	var rows []model.Cohort
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE user_id = ? AND service = ? AND remaining > 0
		 ORDER BY expires_at, id
		 FOR UPDATE
	`, userID, svc)
	return rows, err
}

func (t *mysqlLedgerTx) LockRefillableCohorts(ctx context.Context, userID int64, svc model.ServiceType, now time.Time) ([]model.Cohort, error) {
	var rows []model.Cohort
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE user_id = ? AND service = ? AND remaining < amount AND expires_at > ?
		 ORDER BY expires_at DESC, id DESC
		 FOR UPDATE
	`, userID, svc, now)
	return rows, err
}

func (t *mysqlLedgerTx) SetCohortRemaining(ctx context.Context, id string, remaining int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE credit_cohorts SET remaining = ? WHERE id = ?
	`, remaining, id)
	return err
}

func (t *mysqlLedgerTx) InsertOutbox(ctx context.Context, aggregate, aggregateID, topic string, payload []byte) error {
	return t.outbox.Insert(ctx, t.tx, aggregate, aggregateID, topic, payload)
}

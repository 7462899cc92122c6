package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmehdipour/credits-gateway/internal/ledger"
	"github.com/jmehdipour/credits-gateway/internal/model"
)

const (
	pgUniqueViolation = "23505"

	pgTransactionColumns = `id, user_id, kind, service, amount, cost::text AS cost, remaining_balance, provider,
		correlation_id, payment_method, payment_id, reason, idempotency_key, created_at`
)

// PostgresLedgerStore is the pgx-backed ledger.Store.
type PostgresLedgerStore struct {
	pool *pgxpool.Pool
}

func NewPostgresLedgerStore(pool *pgxpool.Pool) *PostgresLedgerStore {
	return &PostgresLedgerStore{pool: pool}
}

var _ ledger.Store = (*PostgresLedgerStore)(nil)

func (s *PostgresLedgerStore) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgLedgerTx{tx: tx})
	})
}

func (s *PostgresLedgerStore) Balance(ctx context.Context, userID int64, svc model.ServiceType) (model.Balance, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+balanceColumns+`
		  FROM credit_balances
		 WHERE user_id = $1 AND service = $2
	`, userID, string(svc))
	b, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Balance])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Balance{UserID: userID, Service: svc}, nil
	}
	return b, err
}

func (s *PostgresLedgerStore) Balances(ctx context.Context, userID int64) ([]model.Balance, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+balanceColumns+`
		  FROM credit_balances
		 WHERE user_id = $1
		 ORDER BY service
	`, userID)
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Balance])
}

func (s *PostgresLedgerStore) Transactions(ctx context.Context, userID int64, limit, offset int) ([]model.Transaction, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+pgTransactionColumns+`
		  FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Transaction])
}

func (s *PostgresLedgerStore) Cohorts(ctx context.Context, userID int64, svc model.ServiceType) ([]model.Cohort, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE user_id = $1 AND service = $2
		 ORDER BY expires_at, id
	`, userID, string(svc))
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Cohort])
}

func (s *PostgresLedgerStore) ExpiredCohorts(ctx context.Context, now time.Time, limit int) ([]model.Cohort, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE remaining > 0 AND expires_at <= $1
		 ORDER BY expires_at, id
		 LIMIT $2
	`, now, limit)
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Cohort])
}

func (s *PostgresLedgerStore) StaleReservations(ctx context.Context, before time.Time, limit int) ([]model.Reservation, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		  FROM credit_reservations
		 WHERE status = 'held' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2
	`, before, limit)
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Reservation])
}

type pgLedgerTx struct {
	tx pgx.Tx
}

func isPgDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (t *pgLedgerTx) LockBalance(ctx context.Context, userID int64, svc model.ServiceType) (model.Balance, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO credit_balances (user_id, service, available, reserved, updated_at)
		VALUES ($1, $2, 0, 0, now())
		ON CONFLICT (user_id, service) DO NOTHING
	`, userID, string(svc)); err != nil {
		return model.Balance{}, err
	}

	rows, _ := t.tx.Query(ctx, `
		SELECT `+balanceColumns+`
		  FROM credit_balances
		 WHERE user_id = $1 AND service = $2
		 FOR UPDATE
	`, userID, string(svc))
	return pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Balance])
}

func (t *pgLedgerTx) AdjustBalance(ctx context.Context, userID int64, svc model.ServiceType, dAvail, dRsv int64) error {
	if dAvail == 0 && dRsv == 0 {
		return nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE credit_balances
		   SET available = available + $1, reserved = reserved + $2, updated_at = now()
		 WHERE user_id = $3 AND service = $4
		   AND available + $1 >= 0 AND reserved + $2 >= 0
	`, dAvail, dRsv, userID, string(svc))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNegativeBalance
	}
	return nil
}

func (t *pgLedgerTx) InsertReservation(ctx context.Context, r model.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credit_reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.UserID, string(r.Service), r.Quantity, string(r.Status), r.CreatedAt, r.UpdatedAt)
	if isPgDuplicate(err) {
		return ledger.ErrDuplicate
	}
	return err
}

func (t *pgLedgerTx) LockReservation(ctx context.Context, id string) (model.Reservation, error) {
	rows, _ := t.tx.Query(ctx, `
		SELECT `+reservationColumns+`
		  FROM credit_reservations
		 WHERE id = $1
		 FOR UPDATE
	`, id)
	r, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Reservation])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Reservation{}, ledger.ErrReservationNotFound
	}
	return r, err
}

func (t *pgLedgerTx) UpdateReservationStatus(ctx context.Context, id string, status model.ReservationStatus, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE credit_reservations SET status = $1, updated_at = $2 WHERE id = $3
	`, string(status), at, id)
	return err
}

func (t *pgLedgerTx) InsertTransaction(ctx context.Context, tr model.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credit_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14)
	`, tr.ID, tr.UserID, string(tr.Kind), string(tr.Service), tr.Amount, tr.Cost.String(), tr.RemainingBalance,
		tr.Provider, tr.CorrelationID, tr.PaymentMethod, tr.PaymentID, tr.Reason, tr.IdempotencyKey, tr.CreatedAt)
	if isPgDuplicate(err) {
		return ledger.ErrDuplicate
	}
	return err
}

func (t *pgLedgerTx) TransactionByIdempotencyKey(ctx context.Context, key string) (model.Transaction, bool, error) {
	rows, _ := t.tx.Query(ctx, `
		SELECT `+pgTransactionColumns+`
		  FROM credit_transactions
		 WHERE idempotency_key = $1
	`, key)
	tr, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Transaction])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, err
	}
	return tr, true, nil
}

func (t *pgLedgerTx) CorrelationTotals(ctx context.Context, userID int64, svc model.ServiceType, correlationID string) (int64, int64, error) {
	var debited, refunded int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE kind = 'usage'), 0)::bigint,
		       COALESCE(SUM(amount) FILTER (WHERE kind = 'refund'), 0)::bigint
		  FROM credit_transactions
		 WHERE user_id = $1 AND service = $2 AND correlation_id = $3
	`, userID, string(svc), correlationID).Scan(&debited, &refunded)
	return debited, refunded, err
}

func (t *pgLedgerTx) InsertCohort(ctx context.Context, c model.Cohort) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credit_cohorts (`+cohortColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.UserID, string(c.Service), c.Amount, c.Remaining, c.PurchasedAt, c.ExpiresAt)
	if isPgDuplicate(err) {
		return ledger.ErrDuplicate
	}
	return err
}

func (t *pgLedgerTx) LockCohort(ctx context.Context, id string) (model.Cohort, error) {
	rows, _ := t.tx.Query(ctx, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE id = $1
		 FOR UPDATE
	`, id)
	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Cohort])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Cohort{}, ledger.ErrCohortNotFound
	}
	return c, err
}

func (t *pgLedgerTx) LockOpenCohorts(ctx context.Context, userID int64, svc model.ServiceType) ([]model.Cohort, error) {
	rows, _ := t.tx.Query(ctx, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE user_id = $1 AND service = $2 AND remaining > 0
		 ORDER BY expires_at, id
		 FOR UPDATE
	`, userID, string(svc))
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Cohort])
}

func (t *pgLedgerTx) LockRefillableCohorts(ctx context.Context, userID int64, svc model.ServiceType, now time.Time) ([]model.Cohort, error) {
	rows, _ := t.tx.Query(ctx, `
		SELECT `+cohortColumns+`
		  FROM credit_cohorts
		 WHERE user_id = $1 AND service = $2 AND remaining < amount AND expires_at > $3
		 ORDER BY expires_at DESC, id DESC
		 FOR UPDATE
	`, userID, string(svc), now)
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Cohort])
}

func (t *pgLedgerTx) SetCohortRemaining(ctx context.Context, id string, remaining int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE credit_cohorts SET remaining = $1 WHERE id = $2`, remaining, id)
	return err
}

func (t *pgLedgerTx) InsertOutbox(ctx context.Context, aggregate, aggregateID, topic string, payload []byte) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox (aggregate, aggregate_id, topic, payload, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, now(), now())
	`, aggregate, aggregateID, topic, payload)
	return err
}

// PostgresOutboxRepository drains the outbox table written by PostgresLedgerStore.
type PostgresOutboxRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresOutboxRepository(pool *pgxpool.Pool) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{pool: pool}
}

func (r *PostgresOutboxRepository) Drain(ctx context.Context, limit int, publish PublishFunc) (int, error) {
	var events []model.OutboxEvent
	var publishErr error
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, _ := tx.Query(ctx, `
			SELECT id, aggregate, aggregate_id, topic, payload, attempts, published_at, created_at, updated_at
			  FROM outbox
			 WHERE published_at IS NULL
			 ORDER BY id
			 LIMIT $1
			 FOR UPDATE SKIP LOCKED
		`, limit)
		var err error
		events, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.OutboxEvent])
		if err != nil || len(events) == 0 {
			return err
		}

		ids := make([]int64, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		if publishErr = publish(ctx, events); publishErr != nil {
			_, err = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, updated_at = now() WHERE id = ANY($1)`, ids)
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE outbox SET published_at = now(), updated_at = now() WHERE id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	if publishErr != nil {
		return 0, publishErr
	}
	return len(events), nil
}

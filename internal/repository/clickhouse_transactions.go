package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/credits-gateway/internal/model"
)

// TransactionFilter narrows report queries. Zero values mean "any".
type TransactionFilter struct {
	Kind    model.TransactionKind
	Service model.ServiceType
	From    time.Time
	To      time.Time
}

// CHTransactionsRepository reads and writes the transaction archive in
// ClickHouse. The table is a ReplacingMergeTree keyed by id, so re-archiving
// an event is harmless.
type CHTransactionsRepository interface {
	InsertBatch(ctx context.Context, txns []model.Transaction) error
	ListByUser(ctx context.Context, userID int64, f TransactionFilter, limit, offset int) ([]model.Transaction, error)
}

type chTransactionsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHTransactionsRepository(ch *sqlx.DB) CHTransactionsRepository {
	return &chTransactionsRepository{ch: ch}
}

func (r *chTransactionsRepository) InsertBatch(ctx context.Context, txns []model.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO credits.transactions
		    (id, user_id, kind, service, amount, cost, remaining_balance, provider,
		     correlation_id, payment_method, payment_id, reason, created_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range txns {
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.UserID, t.Kind.String(), t.Service.String(), t.Amount, t.Cost, t.RemainingBalance, t.Provider,
			t.CorrelationID, t.PaymentMethod, t.PaymentID, t.Reason, t.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *chTransactionsRepository) ListByUser(ctx context.Context, userID int64, f TransactionFilter, limit, offset int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, user_id, kind, service, amount, cost, remaining_balance, provider,
		       correlation_id, payment_method, payment_id, reason, created_at
		FROM credits.transactions FINAL
		WHERE user_id = ?
	`
	args := []any{userID}

	if f.Kind != "" {
		q += " AND kind = ?"
		args = append(args, f.Kind.String())
	}
	if f.Service != "" {
		q += " AND service = ?"
		args = append(args, f.Service.String())
	}
	if !f.From.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		q += " AND created_at < ?"
		args = append(args, f.To)
	}

	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.Transaction
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

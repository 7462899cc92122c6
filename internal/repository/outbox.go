package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/credits-gateway/internal/model"
)

// PublishFunc delivers a batch of outbox events. A nil return marks the whole
// batch published.
type PublishFunc func(ctx context.Context, events []model.OutboxEvent) error

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error
	// Drain locks up to limit unpublished events, oldest first, and hands
	// them to publish. Rows locked by another relay are skipped.
	Drain(ctx context.Context, limit int, publish PublishFunc) (int, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error {
	const q = `
		INSERT INTO outbox (aggregate, aggregate_id, topic, payload, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, NOW(6), NOW(6))
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, aggregate, aggregateID, topic, payload)

		return err
	})
}

// Drain bumps attempts and leaves the rows pending when publish fails.
func (r *OutboxRepositoryImpl) Drain(ctx context.Context, limit int, publish PublishFunc) (int, error) {
	var events []model.OutboxEvent
	err := r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &events, `
			SELECT id, aggregate, aggregate_id, topic, payload, attempts, published_at, created_at, updated_at
			  FROM outbox
			 WHERE published_at IS NULL
			 ORDER BY id
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED
		`, limit); err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]int64, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}

		if perr := publish(ctx, events); perr != nil {
			q, args, err := sqlx.In(`UPDATE outbox SET attempts = attempts + 1, updated_at = NOW(6) WHERE id IN (?)`, ids)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			return perr
		}

		q, args, err := sqlx.In(`UPDATE outbox SET published_at = NOW(6), updated_at = NOW(6) WHERE id IN (?)`, ids)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(q), args...)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

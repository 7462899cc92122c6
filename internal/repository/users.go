package repository

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/credits-gateway/internal/model"
)

// UsersRepository resolves API keys to users. GetByAPIKey returns (nil, nil)
// for an unknown key.
type UsersRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error)
	Create(ctx context.Context, u model.User) (int64, error)
}

type UsersRepositoryImpl struct {
	db *sqlx.DB
}

func NewUsersRepository(db *sqlx.DB) *UsersRepositoryImpl {
	return &UsersRepositoryImpl{db: db}
}

var _ UsersRepository = (*UsersRepositoryImpl)(nil)

func (r *UsersRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `
		SELECT id, name, api_key, status, rate_limit_max, created_at, updated_at
		  FROM users
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts the user, or returns the id of the existing user holding
// the same API key.
func (r *UsersRepositoryImpl) Create(ctx context.Context, u model.User) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (name, api_key, status, rate_limit_max, created_at, updated_at)
		VALUES (?, ?, ?, ?, NOW(6), NOW(6))
		ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)
	`, u.Name, u.APIKey, u.Status, u.RateLimitMax)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type PostgresUsersRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresUsersRepository(pool *pgxpool.Pool) *PostgresUsersRepository {
	return &PostgresUsersRepository{pool: pool}
}

var _ UsersRepository = (*PostgresUsersRepository)(nil)

func (r *PostgresUsersRepository) GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	rows, _ := r.pool.Query(ctx, `
		SELECT id, name, api_key, status, rate_limit_max, created_at, updated_at
		  FROM users
		 WHERE api_key = $1 LIMIT 1
	`, apiKey)
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.User])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresUsersRepository) Create(ctx context.Context, u model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (name, api_key, status, rate_limit_max, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (api_key) DO UPDATE SET updated_at = users.updated_at
		RETURNING id
	`, u.Name, u.APIKey, u.Status, u.RateLimitMax).Scan(&id)
	return id, err
}

// MemoryUsersRepository backs the memory ledger driver.
type MemoryUsersRepository struct {
	mu    sync.RWMutex
	byKey map[string]model.User
	next  int64
}

func NewMemoryUsersRepository() *MemoryUsersRepository {
	return &MemoryUsersRepository{byKey: map[string]model.User{}}
}

var _ UsersRepository = (*MemoryUsersRepository)(nil)

func (r *MemoryUsersRepository) GetByAPIKey(_ context.Context, apiKey string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byKey[apiKey]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *MemoryUsersRepository) Create(_ context.Context, u model.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKey[u.APIKey]; ok {
		return existing.ID, nil
	}
	r.next++
	u.ID = r.next
	r.byKey[u.APIKey] = u
	return u.ID, nil
}

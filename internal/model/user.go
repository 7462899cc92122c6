package model

import "time"

type User struct {
	ID           int64     `db:"id"`
	Name         string    `db:"name"`
	APIKey       string    `db:"api_key"`
	Status       string    `db:"status"`         // active|suspended
	RateLimitMax *int      `db:"rate_limit_max"` // nullable, requests per window
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

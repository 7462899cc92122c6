package model

import "time"

// Balance is a user's credits for one service type.
// Available is spendable; Reserved is held by in-flight reservations.
type Balance struct {
	UserID    int64       `db:"user_id"   json:"-"`
	Service   ServiceType `db:"service"   json:"service"`
	Available int64       `db:"available" json:"available"`
	Reserved  int64       `db:"reserved"  json:"reserved"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

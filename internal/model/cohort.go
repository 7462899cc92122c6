package model

import "time"

// Cohort ties purchased credits to their purchase and expiry dates.
// Remaining decreases as the cohort is consumed; 0 <= Remaining <= Amount.
type Cohort struct {
	ID          string      `db:"id"           json:"id"`
	UserID      int64       `db:"user_id"      json:"-"`
	Service     ServiceType `db:"service"      json:"service"`
	Amount      int64       `db:"amount"       json:"amount"`
	Remaining   int64       `db:"remaining"    json:"remaining"`
	PurchasedAt time.Time   `db:"purchased_at" json:"purchased_at"`
	ExpiresAt   time.Time   `db:"expires_at"   json:"expires_at"`
}

// Inert reports whether the cohort has nothing left to consume.
func (c Cohort) Inert() bool { return c.Remaining == 0 }

func (c Cohort) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

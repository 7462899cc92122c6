package model

import "time"

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

func (s ReservationStatus) String() string { return string(s) }

// Reservation is a provisional hold of Quantity credits. It is a record, not a
// lock: nothing blocks on it while external work runs.
type Reservation struct {
	ID        string            `db:"id"         json:"id"`
	UserID    int64             `db:"user_id"    json:"user_id"`
	Service   ServiceType       `db:"service"    json:"service"`
	Quantity  int64             `db:"quantity"   json:"quantity"`
	Status    ReservationStatus `db:"status"     json:"status"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

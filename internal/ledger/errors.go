package ledger

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/credits-gateway/internal/model"
)

var (
	ErrInvalidQuantity     = errors.New("ledger: quantity must be positive")
	ErrUnknownService      = errors.New("ledger: unknown service type")
	ErrMissingPaymentID    = errors.New("ledger: payment id is required")
	ErrMissingCorrelation  = errors.New("ledger: correlation id is required")
	ErrReservationNotFound = errors.New("ledger: reservation not found")
	ErrReservationClosed   = errors.New("ledger: reservation already settled")
	ErrCohortNotFound      = errors.New("ledger: cohort not found")

	// ErrDuplicate is returned by stores when a write-once row already exists.
	ErrDuplicate = errors.New("ledger: duplicate record")
	// ErrNegativeBalance is returned by stores when an adjustment would take
	// available or reserved below zero. The ledger reports it as an IntegrityError.
	ErrNegativeBalance = errors.New("ledger: balance would become negative")
)

// InsufficientCreditsError is terminal for the request and has no side effects.
type InsufficientCreditsError struct {
	UserID    int64
	Service   model.ServiceType
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: required %d, available %d", e.Service, e.Required, e.Available)
}

// IntegrityError means the ledger refused a mutation that would break its
// invariants. The store transaction is rolled back, so state is unchanged.
type IntegrityError struct {
	Op      string
	UserID  int64
	Service model.ServiceType
	Reason  string
	Err     error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("ledger integrity: op=%s user=%d service=%s: %s", e.Op, e.UserID, e.Service, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsInsufficientCredits reports whether err carries an InsufficientCreditsError.
func IsInsufficientCredits(err error) bool {
	var ice *InsufficientCreditsError
	return errors.As(err, &ice)
}

// IsIntegrity reports whether err carries an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

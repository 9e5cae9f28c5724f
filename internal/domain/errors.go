package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrConflict               = errors.New("conflict")
	ErrUnsafeContent          = errors.New("unsafe content")
	ErrTransientExecution     = errors.New("transient execution failure")
	ErrPermanentExecution     = errors.New("permanent execution failure")
	ErrLedgerInvariant        = errors.New("ledger invariant violation")
	ErrDuplicateOperation     = errors.New("duplicate operation")
	ErrUnsupportedJobType     = errors.New("unsupported job type")
	ErrNoItemAvailable        = errors.New("no item available")
	ErrUnknownBillingEvent    = errors.New("unknown billing event")
	ErrBillingEventIncomplete = errors.New("billing event incomplete")
)

// InsufficientCreditsError carries the numbers the UI needs to prompt a top-up.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

// Shortfall is the amount missing to cover the request.
func (e *InsufficientCreditsError) Shortfall() int64 {
	if e.Required <= e.Available {
		return 0
	}
	return e.Required - e.Available
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d, shortfall %d", e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Transient wraps err so executors retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientExecution, err)
}

// Permanent wraps err so executors fail the item without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanentExecution, err)
}

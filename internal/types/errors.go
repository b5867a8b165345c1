package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the reconciliation core. Domain packages wrap these
// sentinels so callers can classify failures with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateEvent    = errors.New("event already handled")
	ErrBuyerMismatch     = errors.New("buyer identity mismatch")
	ErrProvider          = errors.New("payment provider error")
	ErrPersistence       = errors.New("persistence error")
)

// Persistence wraps a storage failure so it matches ErrPersistence while
// keeping the driver error reachable.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

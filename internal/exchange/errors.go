package exchange

import (
	"errors"
	"fmt"
)

// Error kinds returned by the engine. Details are wrapped with %w, so callers
// compare with errors.Is.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("order not found")
	ErrInsufficientQuantity = errors.New("insufficient quantity available")
	ErrAlreadyFilled        = errors.New("order already filled")
	ErrSettlementFailure    = errors.New("settlement failed")
)

// SettlementError reports that a recorded trade could not be settled. The
// trade itself exists; only its settlement outcome is uncertain or failed.
type SettlementError struct {
	TradeID string
	Err     error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement of trade %s failed: %v", e.TradeID, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// Is makes every SettlementError match ErrSettlementFailure
func (e *SettlementError) Is(target error) bool {
	return target == ErrSettlementFailure
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

package domain

import (
	"errors"
	"fmt"
)

// Vault error taxonomy. Every failed operation returns one of these
// (possibly wrapped); callers match with errors.Is.
var (
	ErrNotWhitelisted     = errors.New("caller is not whitelisted")
	ErrNotOwner           = errors.New("caller is not the owner")
	ErrPaused             = errors.New("vault is paused")
	ErrInvalidWeightSum   = errors.New("weights must sum to 10000 basis points")
	ErrUnknownSource      = errors.New("unknown source")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrSlippageExceeded   = errors.New("slippage exceeded")
	ErrExpired            = errors.New("deadline expired")
	ErrZeroAmount         = errors.New("zero amount")

	ErrReentrantCall     = errors.New("reentrant call")
	ErrProtectedAsset    = errors.New("asset backs outstanding shares")
	ErrUnknownToken      = errors.New("unknown token")
	ErrShareOwner        = errors.New("caller may not spend another holder's shares")
	ErrNoRewardSource    = errors.New("no reward source configured")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrAmountOverflow    = errors.New("amount overflows 128 bits")
	ErrEngineBusy        = errors.New("engine busy")
)

// SlippageError carries the realized and minimum amounts of a failed
// slippage check. It matches ErrSlippageExceeded under errors.Is.
type SlippageError struct {
	Actual Amount
	Min    Amount
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("slippage exceeded: got %s, want at least %s", e.Actual, e.Min)
}

// Is reports whether target is ErrSlippageExceeded.
func (e *SlippageError) Is(target error) bool {
	return target == ErrSlippageExceeded
}

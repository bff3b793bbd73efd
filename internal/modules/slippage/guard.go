// Package slippage enforces minimum-output and deadline bounds on vault operations.
package slippage

import (
	"fmt"

	"github.com/aristath/vault/internal/domain"
)

// NoDeadline disables the deadline check.
const NoDeadline uint64 = 0

// Require fails with a *domain.SlippageError when actual < min.
func Require(actual, min domain.Amount) error {
	if actual.Cmp(min) < 0 {
		return &domain.SlippageError{Actual: actual, Min: min}
	}
	return nil
}

// CheckDeadline fails with domain.ErrExpired when the clock is past deadline.
// A deadline of NoDeadline always passes.
func CheckDeadline(clock domain.Clock, deadline uint64) error {
	if deadline == NoDeadline {
		return nil
	}
	if now := clock.Now(); now > deadline {
		return fmt.Errorf("%w: now %d, deadline %d", domain.ErrExpired, now, deadline)
	}
	return nil
}

// DustTolerance is the residual allowed after distributing across n sources.
func DustTolerance(perSource domain.Amount, n int) domain.Amount {
	if n <= 0 {
		return perSource
	}
	return perSource.Mul64(uint64(n))
}

// RequireDust fails with domain.ErrSlippageExceeded when residual exceeds tolerance.
func RequireDust(residual, tolerance domain.Amount) error {
	if residual.Cmp(tolerance) > 0 {
		return fmt.Errorf("%w: residual %s above tolerance %s", domain.ErrSlippageExceeded, residual, tolerance)
	}
	return nil
}

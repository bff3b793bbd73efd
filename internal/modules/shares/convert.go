package shares

import (
	"fmt"

	"github.com/aristath/vault/internal/domain"
)

// ConvertToShares returns floor(assets * totalShares / totalAssets).
// An empty vault mints 1:1. A vault with shares but no assets mints nothing.
// A price so low that the share amount needs more than 128 bits fails with
// domain.ErrAmountOverflow.
func ConvertToShares(assets, totalShares, totalAssets domain.Amount) (domain.Amount, error) {
	if totalShares.IsZero() {
		return assets, nil
	}
	if totalAssets.IsZero() {
		return domain.Zero, nil
	}
	out, err := domain.CheckedMulDiv(assets, totalShares, totalAssets)
	if err != nil {
		return domain.Zero, fmt.Errorf("failed to price %s assets: %w", assets, err)
	}
	return out, nil
}

// ConvertToAssets returns floor(shares * totalAssets / totalShares).
// With no supply outstanding shares convert 1:1.
func ConvertToAssets(shares, totalShares, totalAssets domain.Amount) (domain.Amount, error) {
	if totalShares.IsZero() {
		return shares, nil
	}
	out, err := domain.CheckedMulDiv(shares, totalAssets, totalShares)
	if err != nil {
		return domain.Zero, fmt.Errorf("failed to price %s shares: %w", shares, err)
	}
	return out, nil
}

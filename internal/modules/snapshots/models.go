// Package snapshots records the vault's share price over time and derives
// yield statistics from the history.
package snapshots

import (
	"math/big"
	"time"

	"github.com/aristath/vault/internal/domain"
)

// Snapshot is one point of vault history
type Snapshot struct {
	ID             int64
	RecordedAt     time.Time
	TotalAssets    domain.Amount
	TotalShares    domain.Amount
	Idle           domain.Amount
	SharePrice     float64
	SourceBalances map[domain.SourceID]domain.Amount
}

// SharePrice returns assets per share. An empty vault prices at 1.
func SharePrice(totalAssets, totalShares domain.Amount) float64 {
	if totalShares.IsZero() {
		return 1
	}
	num := new(big.Float).SetInt(totalAssets.Big())
	den := new(big.Float).SetInt(totalShares.Big())
	price, _ := new(big.Float).Quo(num, den).Float64()
	return price
}

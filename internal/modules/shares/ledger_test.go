package shares

import (
	"database/sql"
	"math/big"
	"testing"

	"github.com/aristath/vault/internal/database"
	"github.com/aristath/vault/internal/domain"
	testingpkg "github.com/aristath/vault/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

func amt(v uint64) domain.Amount { return domain.NewAmount(v) }

func TestLedger_MintBurnMove(t *testing.T) {
	l := NewLedger()

	require.NoError(t, l.Mint("alice", amt(100)))
	require.NoError(t, l.Mint("bob", amt(50)))
	assert.True(t, l.TotalSupply().Equals64(150))

	require.NoError(t, l.Move("alice", "bob", amt(30)))
	assert.True(t, l.BalanceOf("alice").Equals64(70))
	assert.True(t, l.BalanceOf("bob").Equals64(80))
	assert.True(t, l.TotalSupply().Equals64(150))

	require.NoError(t, l.Burn("bob", amt(80)))
	assert.True(t, l.BalanceOf("bob").IsZero())
	assert.True(t, l.TotalSupply().Equals64(70))
	assert.Len(t, l.Holders(), 1)
}

func TestLedger_Errors(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint("alice", amt(10)))

	assert.ErrorIs(t, l.Mint("alice", domain.Zero), domain.ErrZeroAmount)
	assert.ErrorIs(t, l.Burn("alice", amt(11)), domain.ErrInsufficientShares)
	assert.ErrorIs(t, l.Move("alice", "bob", amt(11)), domain.ErrInsufficientShares)
	assert.ErrorIs(t, l.Burn("carol", amt(1)), domain.ErrInsufficientShares)
	assert.True(t, l.TotalSupply().Equals64(10))
}

func TestLedger_RollbackRestoresTouchedBalances(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Mint("alice", amt(100)))
	l.TakeDirty()

	l.Begin()
	require.NoError(t, l.Burn("alice", amt(40)))
	require.NoError(t, l.Mint("bob", amt(25)))
	require.NoError(t, l.Move("alice", "carol", amt(60)))
	l.Rollback()

	assert.True(t, l.BalanceOf("alice").Equals64(100))
	assert.True(t, l.BalanceOf("bob").IsZero())
	assert.True(t, l.BalanceOf("carol").IsZero())
	assert.True(t, l.TotalSupply().Equals64(100))
	assert.Len(t, l.Holders(), 1)
}

func TestLedger_CommitKeepsChanges(t *testing.T) {
	l := NewLedger()
	l.Begin()
	require.NoError(t, l.Mint("alice", amt(5)))
	l.Commit()
	l.Rollback()

	assert.True(t, l.BalanceOf("alice").Equals64(5))
}

func TestLedger_SumOfBalancesEqualsSupply(t *testing.T) {
	l := NewLedger()
	holders := []domain.Address{"a", "b", "c", "d"}
	for i, h := range holders {
		require.NoError(t, l.Mint(h, amt(uint64(1000*(i+1)))))
	}
	require.NoError(t, l.Move("d", "a", amt(1234)))
	require.NoError(t, l.Burn("c", amt(999)))

	sum := domain.Zero
	for _, h := range l.Holders() {
		sum = sum.Add(h.Shares)
	}
	assert.Equal(t, l.TotalSupply(), sum)
}

func TestLedger_LoadRejectsMismatchedTotal(t *testing.T) {
	l := NewLedger()
	err := l.Load(amt(10), []domain.Holding{{Holder: "a", Shares: amt(9)}})
	assert.Error(t, err)

	require.NoError(t, l.Load(amt(10), []domain.Holding{{Holder: "a", Shares: amt(4)}, {Holder: "b", Shares: amt(6)}}))
	assert.True(t, l.BalanceOf("b").Equals64(6))
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name   string
		assets domain.Amount
		supply domain.Amount
		total  domain.Amount
		shares uint64
	}{
		{"empty vault mints 1:1", amt(500), domain.Zero, domain.Zero, 500},
		{"share price 2.0", amt(500), amt(1000), amt(2000), 250},
		{"floors", amt(1), amt(1000), amt(3000), 0},
		{"shares without assets mint nothing", amt(5), amt(10), domain.Zero, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvertToShares(tt.assets, tt.supply, tt.total)
			require.NoError(t, err)
			assert.True(t, got.Equals64(tt.shares), "got %s", got)
		})
	}

	out, err := ConvertToAssets(amt(250), amt(1000), amt(2000))
	require.NoError(t, err)
	assert.True(t, out.Equals64(500))
	out, err = ConvertToAssets(amt(7), domain.Zero, domain.Zero)
	require.NoError(t, err)
	assert.True(t, out.Equals64(7))
	out, err = ConvertToAssets(amt(1), amt(3), amt(2))
	require.NoError(t, err)
	assert.True(t, out.IsZero())
}

func TestConvert_OverflowIsAnError(t *testing.T) {
	huge := uint128.From64(1).Lsh(100)

	// 2^100 shares backed by a single unit price a 2^100 deposit at 2^200 shares
	_, err := ConvertToShares(huge, huge, amt(1))
	assert.ErrorIs(t, err, domain.ErrAmountOverflow)

	_, err = ConvertToAssets(uint128.Max, amt(1), amt(2))
	assert.ErrorIs(t, err, domain.ErrAmountOverflow)
}

// perShareNotLower reports whether assetsAfter/sharesAfter >= assetsBefore/sharesBefore
func perShareNotLower(assetsBefore, sharesBefore, assetsAfter, sharesAfter domain.Amount) bool {
	lhs := new(big.Int).Mul(assetsAfter.Big(), sharesBefore.Big())
	rhs := new(big.Int).Mul(assetsBefore.Big(), sharesAfter.Big())
	return lhs.Cmp(rhs) >= 0
}

func TestConvert_DepositNeverDilutesHolders(t *testing.T) {
	supplies := []uint64{1, 3, 999, 1_000_000, 20_000_000_000}
	totals := []uint64{1, 2, 7, 1_000_003, 20_000_000_017, 99_999_999_999}
	deposits := []uint64{1, 3, 7, 9_999, 10_001, 123_457, 20_000_000_001}

	for _, supply := range supplies {
		for _, total := range totals {
			for _, a := range deposits {
				minted, err := ConvertToShares(amt(a), amt(supply), amt(total))
				require.NoError(t, err)

				assetsAfter := amt(total).Add(amt(a))
				sharesAfter := amt(supply).Add(minted)
				assert.True(t, perShareNotLower(amt(total), amt(supply), assetsAfter, sharesAfter),
					"supply=%d total=%d deposit=%d minted=%s", supply, total, a, minted)

				// Redeeming what was just minted never returns more than was paid in
				back, err := ConvertToAssets(minted, sharesAfter, assetsAfter)
				require.NoError(t, err)
				assert.True(t, back.Cmp64(a) <= 0, "supply=%d total=%d deposit=%d back=%s", supply, total, a, back)
			}
		}
	}
}

func TestConvert_BootstrapIsOneToOne(t *testing.T) {
	for _, a := range []uint64{1, 2, 3, 7, 10_000, 123_457, 20_000_000_000, 1<<63 + 5} {
		minted, err := ConvertToShares(amt(a), domain.Zero, domain.Zero)
		require.NoError(t, err)
		assert.True(t, minted.Equals64(a), "deposit %d", a)
	}
	minted, err := ConvertToShares(uint128.Max, domain.Zero, domain.Zero)
	require.NoError(t, err)
	assert.Equal(t, uint128.Max, minted)
}

func TestRepository_SaveAndLoad(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()

	repo := NewRepository(db.Conn(), zerolog.Nop())
	l := NewLedger()
	require.NoError(t, l.Mint("alice", amt(70)))
	require.NoError(t, l.Mint("bob", amt(30)))

	err := database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		return repo.SaveTx(tx, l.TotalSupply(), l.TakeDirty())
	})
	require.NoError(t, err)

	require.NoError(t, l.Burn("bob", amt(30)))
	err = database.WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		return repo.SaveTx(tx, l.TotalSupply(), l.TakeDirty())
	})
	require.NoError(t, err)

	total, holdings, err := repo.Load()
	require.NoError(t, err)
	assert.True(t, total.Equals64(70))
	require.Len(t, holdings, 1)
	assert.Equal(t, domain.Address("alice"), holdings[0].Holder)

	restored := NewLedger()
	require.NoError(t, restored.Load(total, holdings))
	assert.True(t, restored.BalanceOf("alice").Equals64(70))
}

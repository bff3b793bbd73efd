package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/modules/access"
	"github.com/aristath/vault/internal/modules/custody"
	"github.com/aristath/vault/internal/modules/slippage"
	"github.com/aristath/vault/internal/modules/sources"
	"github.com/aristath/vault/internal/modules/swap"
	testingpkg "github.com/aristath/vault/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

const (
	usdc    domain.Token   = "USDC"
	account domain.Address = "vault"
	owner   domain.Address = "owner"
	alice   domain.Address = "alice"
	bob     domain.Address = "bob"
)

var amt = domain.NewAmount

type fixture struct {
	engine *Engine
	book   *custody.Book
	reg    *sources.Registry
	venue  *swap.Venue
	gate   *access.Gate
	clock  *slippage.ManualClock

	mu     sync.Mutex
	events []*events.Event
}

type fixtureOpts struct {
	wrap     func(domain.SourceAdapter) domain.SourceAdapter
	store    Store
	weights  []domain.Allocation
	lockWait time.Duration
	noQuoter bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	log := zerolog.Nop()

	f := &fixture{
		book:  custody.NewBook(log),
		clock: slippage.NewManualClock(1_000),
	}

	file := sources.Default()
	reg, err := sources.Build(file, account, usdc, f.book, log)
	require.NoError(t, err)
	fixed := time.Unix(1_700_000_000, 0)
	reg.SetClock(func() time.Time { return fixed })
	f.reg = reg

	bus := events.NewBus(log)
	bus.SubscribeAll(func(e *events.Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	manager := events.NewManager(bus, log)

	f.gate = access.NewGate(owner, nil, manager, log)
	require.NoError(t, f.gate.SetWhitelisted(context.Background(), owner, alice, true))

	f.venue = swap.NewVenue(f.book, account, usdc, 30, log)
	require.NoError(t, f.venue.SetPrice("CRV", swap.Price{Numerator: 1, Denominator: 1}))
	require.NoError(t, f.venue.SetPrice("CNC", swap.Price{Numerator: 2, Denominator: 1}))
	require.NoError(t, f.venue.SetPrice("CVX", swap.Price{Numerator: 3, Denominator: 1}))

	adapters := reg.Adapters()
	if opts.wrap != nil {
		for i, a := range adapters {
			adapters[i] = opts.wrap(a)
		}
	}

	allocs := file.Allocations()
	if opts.weights != nil {
		allocs = opts.weights
	}
	var quoter domain.Quoter = f.venue
	if opts.noQuoter {
		quoter = nil
	}

	f.engine, err = NewEngine(Config{
		Account:    account,
		Underlying: usdc,
		ShareToken: "rfUSDC",
		LockWait:   opts.lockWait,
	}, Deps{
		Sources: adapters,
		Weights: allocs,
		Reward:  reg.Reward(),
		Swapper: f.venue,
		Quoter:  quoter,
		Custody: f.book,
		Gate:    f.gate,
		Clock:   f.clock,
		Store:   opts.store,
		Events:  manager,
	}, log)
	require.NoError(t, err)

	f.reset()
	return f
}

func (f *fixture) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

func (f *fixture) count(typ events.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (f *fixture) balance(t *testing.T, token domain.Token, acct domain.Address) domain.Amount {
	t.Helper()
	v, err := f.book.BalanceOf(context.Background(), token, acct)
	require.NoError(t, err)
	return v
}

func (f *fixture) sourceBalance(t *testing.T, id domain.SourceID) domain.Amount {
	t.Helper()
	return f.balance(t, usdc, sources.AccountFor(id))
}

func (f *fixture) simulated(t *testing.T, id domain.SourceID) *sources.Simulated {
	t.Helper()
	a, ok := f.reg.Get(id)
	require.True(t, ok)
	switch s := a.(type) {
	case *sources.Simulated:
		return s
	case *sources.Rewarding:
		return s.Simulated
	}
	t.Fatalf("source %s is not simulated", id)
	return nil
}

func (f *fixture) deposit(t *testing.T, who domain.Address, assets uint64) *DepositResult {
	t.Helper()
	f.book.Mint(usdc, who, amt(assets))
	res, err := f.engine.Deposit(context.Background(), who, DepositRequest{Assets: amt(assets), Receiver: who})
	require.NoError(t, err)
	return res
}

func (f *fixture) total(t *testing.T) domain.Amount {
	t.Helper()
	v, err := f.engine.TotalAssets(context.Background())
	require.NoError(t, err)
	return v
}

func (f *fixture) assertSharesConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	sum := domain.Zero
	for _, h := range f.engine.Holders(ctx) {
		sum = sum.Add(h.Shares)
	}
	assert.True(t, sum.Equals(f.engine.TotalShares(ctx)), "holder balances %s != total %s", sum, f.engine.TotalShares(ctx))
}

const scenarioAssets = 20_000_000_000

func TestDeposit_BootstrapMintsOneToOne(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	res := f.deposit(t, alice, scenarioAssets)

	assert.True(t, res.Shares.Equals64(scenarioAssets))
	assert.True(t, f.engine.BalanceOf(ctx, alice).Equals64(scenarioAssets))
	assert.True(t, f.engine.IdleBalance(ctx).Cmp64(4) <= 0)
	for _, id := range []domain.SourceID{"aave", "compound", "yearn", "conic"} {
		assert.True(t, f.sourceBalance(t, id).Equals64(5_000_000_000), "source %s", id)
		assert.True(t, f.engine.Distributions(ctx)[id].Equals64(5_000_000_000))
	}
	assert.True(t, f.total(t).Equals64(scenarioAssets))
	assert.Equal(t, 1, f.count(events.DepositToVault))
	f.assertSharesConsistent(t)
}

func TestDeposit_SecondDepositPricesAgainstTotalAssets(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	require.NoError(t, f.gate.SetWhitelisted(ctx, owner, bob, true))

	f.deposit(t, alice, 1_000)
	// Yield doubles the vault's assets
	f.book.Mint(usdc, sources.AccountFor("aave"), amt(1_000))

	res := f.deposit(t, bob, 1_000)
	assert.True(t, res.Shares.Equals64(500))

	preview, err := f.engine.PreviewWithdraw(ctx, amt(1_000))
	require.NoError(t, err)
	assert.True(t, preview.Equals64(2_000))
	f.assertSharesConsistent(t)
}

func TestDeposit_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(f *fixture)
		caller  domain.Address
		req     DepositRequest
		wantErr error
	}{
		{
			name:    "zero amount",
			caller:  alice,
			req:     DepositRequest{Assets: domain.Zero},
			wantErr: domain.ErrZeroAmount,
		},
		{
			name:    "not whitelisted",
			caller:  bob,
			req:     DepositRequest{Assets: amt(100)},
			wantErr: domain.ErrNotWhitelisted,
		},
		{
			name: "paused",
			setup: func(f *fixture) {
				require.NoError(t, f.gate.Pause(ctx, owner))
			},
			caller:  alice,
			req:     DepositRequest{Assets: amt(100)},
			wantErr: domain.ErrPaused,
		},
		{
			name:    "expired",
			caller:  alice,
			req:     DepositRequest{Assets: amt(100), Deadline: 999},
			wantErr: domain.ErrExpired,
		},
		{
			name:    "minimum shares not met",
			caller:  alice,
			req:     DepositRequest{Assets: amt(100), MinSharesOut: amt(101)},
			wantErr: domain.ErrSlippageExceeded,
		},
		{
			name:    "caller cannot pay",
			caller:  alice,
			req:     DepositRequest{Assets: amt(1_000)},
			wantErr: domain.ErrInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{})
			f.book.Mint(usdc, alice, amt(100))
			f.book.Mint(usdc, bob, amt(100))
			if tt.setup != nil {
				tt.setup(f)
			}
			f.reset()

			_, err := f.engine.Deposit(ctx, tt.caller, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)

			assert.True(t, f.engine.TotalShares(ctx).IsZero())
			assert.True(t, f.engine.IdleBalance(ctx).IsZero())
			assert.True(t, f.balance(t, usdc, tt.caller).Equals64(100))
			assert.Equal(t, 0, f.count(events.DepositToVault))
		})
	}
}

func TestDeposit_SlippageErrorCarriesAmounts(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.book.Mint(usdc, alice, amt(100))

	_, err := f.engine.Deposit(context.Background(), alice, DepositRequest{Assets: amt(100), MinSharesOut: amt(150)})
	var slip *domain.SlippageError
	require.True(t, errors.As(err, &slip))
	assert.True(t, slip.Actual.Equals64(100))
	assert.True(t, slip.Min.Equals64(150))
}

func TestDeposit_WhitelistRejectThenAccept(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.book.Mint(usdc, bob, amt(1_000))

	_, err := f.engine.Deposit(ctx, bob, DepositRequest{Assets: amt(1_000)})
	require.ErrorIs(t, err, domain.ErrNotWhitelisted)

	require.NoError(t, f.gate.SetWhitelisted(ctx, owner, bob, true))
	res, err := f.engine.Deposit(ctx, bob, DepositRequest{Assets: amt(1_000)})
	require.NoError(t, err)
	assert.True(t, res.Shares.Equals64(1_000))
	assert.Equal(t, 1, f.count(events.AddressWhitelisted))
}

func TestDeposit_OverflowingShareAmountIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	huge := uint128.From64(1).Lsh(100)

	f.book.Mint(usdc, alice, huge)
	_, err := f.engine.Deposit(ctx, alice, DepositRequest{Assets: huge, Receiver: alice})
	require.NoError(t, err)

	// Sources collapse to one unit each while 2^100 shares stay outstanding
	for _, id := range []domain.SourceID{"aave", "compound", "yearn", "conic"} {
		bal := f.sourceBalance(t, id)
		require.NoError(t, f.book.Burn(usdc, sources.AccountFor(id), bal.Sub64(1)))
	}
	require.True(t, f.total(t).Equals64(4))

	_, err = f.engine.PreviewDeposit(ctx, huge)
	assert.ErrorIs(t, err, domain.ErrAmountOverflow)

	f.book.Mint(usdc, alice, huge)
	f.reset()
	_, err = f.engine.Deposit(ctx, alice, DepositRequest{Assets: huge, Receiver: alice})
	assert.ErrorIs(t, err, domain.ErrAmountOverflow)

	assert.True(t, f.engine.TotalShares(ctx).Equals(huge))
	assert.True(t, f.balance(t, usdc, alice).Equals(huge))
	assert.Equal(t, 0, f.count(events.DepositToVault))
	f.assertSharesConsistent(t)
}

func TestDeposit_FailedSourceKeepsFundsIdle(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.simulated(t, "yearn").InjectFailures(true, false)

	f.deposit(t, alice, 4_000)

	assert.True(t, f.engine.IdleBalance(ctx).Equals64(1_000))
	assert.True(t, f.sourceBalance(t, "yearn").IsZero())
	assert.True(t, f.total(t).Equals64(4_000))
}

func TestScenario_DepositRebalanceWithdraw(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, scenarioAssets)
	before := f.total(t)

	// Rebalance with identical weights
	res, err := f.engine.UpdateWeightsAndRebalance(ctx, owner, []domain.Allocation{
		{Source: "aave", Weight: 2500},
		{Source: "compound", Weight: 2500},
		{Source: "yearn", Weight: 2500},
		{Source: "conic", Weight: 2500},
	}, domain.Zero)
	require.NoError(t, err)
	assert.True(t, res.Evacuated.Equals64(scenarioAssets))
	assert.True(t, res.Redeployed.Equals64(scenarioAssets))
	assert.True(t, f.engine.IdleBalance(ctx).IsZero())
	assert.True(t, f.total(t).Equals(before))
	assert.Equal(t, 1, f.count(events.PoolWeightsUpdated))

	// Withdraw everything
	f.reset()
	out, err := f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: amt(scenarioAssets)})
	require.NoError(t, err)
	assert.True(t, out.Assets.Cmp64(scenarioAssets) <= 0)
	assert.True(t, out.Assets.Cmp64(scenarioAssets-8) >= 0)
	assert.True(t, f.balance(t, usdc, alice).Equals(out.Assets))
	assert.Empty(t, out.Shortfalls)
	assert.Equal(t, 1, f.count(events.WithdrawFromVault))
	assert.True(t, f.engine.TotalShares(ctx).IsZero())
	f.assertSharesConsistent(t)
}

func TestWithdraw_Rejections(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 1_000)

	_, err := f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: domain.Zero})
	assert.ErrorIs(t, err, domain.ErrZeroAmount)

	_, err = f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: amt(1_001)})
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	_, err = f.engine.Withdraw(ctx, bob, WithdrawRequest{Shares: amt(10), Owner: alice})
	assert.ErrorIs(t, err, domain.ErrShareOwner)

	_, err = f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: amt(10), Deadline: 1})
	assert.ErrorIs(t, err, domain.ErrExpired)

	require.NoError(t, f.gate.Pause(ctx, owner))
	_, err = f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: amt(10)})
	assert.ErrorIs(t, err, domain.ErrPaused)

	assert.True(t, f.engine.BalanceOf(ctx, alice).Equals64(1_000))
}

func TestWithdraw_NotGatedByWhitelist(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 1_000)
	require.NoError(t, f.gate.SetWhitelisted(ctx, owner, alice, false))

	out, err := f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: amt(400), Receiver: bob})
	require.NoError(t, err)
	assert.True(t, out.Assets.Equals64(400))
	assert.True(t, f.balance(t, usdc, bob).Equals64(400))
}

func TestWithdraw_ServedFromIdleFirst(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	for _, id := range []domain.SourceID{"aave", "compound", "yearn", "conic"} {
		f.simulated(t, id).InjectFailures(true, false)
	}
	f.deposit(t, alice, 1_000)
	require.True(t, f.engine.IdleBalance(ctx).Equals64(1_000))

	out, err := f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: amt(250)})
	require.NoError(t, err)
	assert.True(t, out.Assets.Equals64(250))
	assert.True(t, f.engine.IdleBalance(ctx).Equals64(750))
}

func TestWithdraw_PartialSourceFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, scenarioAssets)
	f.simulated(t, "yearn").InjectFailures(false, true)
	f.reset()

	// The floor rejects the degraded withdrawal and restores the shares
	_, err := f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: amt(scenarioAssets), MinAssetsOut: amt(scenarioAssets)})
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.True(t, f.engine.BalanceOf(ctx, alice).Equals64(scenarioAssets))
	assert.True(t, f.total(t).Equals64(scenarioAssets))
	assert.True(t, f.engine.IdleBalance(ctx).Equals64(15_000_000_000))
	assert.True(t, f.balance(t, usdc, alice).IsZero())
	assert.Equal(t, 0, f.count(events.WithdrawFromVault))
	assert.Equal(t, 0, f.count(events.AdapterWithdrawShortfall))

	// Without a floor the withdrawal proceeds with what is available
	out, err := f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: amt(4_000_000_000)})
	require.NoError(t, err)
	assert.True(t, out.Assets.Equals64(4_000_000_000))
	assert.Empty(t, out.Shortfalls)

	f.reset()
	out, err = f.engine.Withdraw(ctx, alice, WithdrawRequest{Shares: amt(16_000_000_000)})
	require.NoError(t, err)
	assert.True(t, out.Owed.Equals64(16_000_000_000))
	assert.True(t, out.Assets.Equals64(11_000_000_000))
	require.Len(t, out.Shortfalls, 1)
	assert.Equal(t, domain.SourceID("yearn"), out.Shortfalls[0].Source)
	assert.Equal(t, 1, f.count(events.AdapterWithdrawShortfall))
	assert.Equal(t, 1, f.count(events.WithdrawFromVault))
	f.assertSharesConsistent(t)
}

func TestRebalance_MovesFundsToNewWeights(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 10_000)
	f.reset()

	res, err := f.engine.UpdateWeightsAndRebalance(ctx, owner, []domain.Allocation{
		{Source: "aave", Weight: 7000},
		{Source: "conic", Weight: 3000},
	}, amt(10_000))
	require.NoError(t, err)
	assert.True(t, res.Residual.IsZero())

	assert.True(t, f.sourceBalance(t, "aave").Equals64(7_000))
	assert.True(t, f.sourceBalance(t, "conic").Equals64(3_000))
	assert.True(t, f.sourceBalance(t, "yearn").IsZero())

	w, err := f.engine.PoolWeight(ctx, "compound")
	require.NoError(t, err)
	assert.Zero(t, w)
	_, err = f.engine.PoolWeight(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrUnknownSource)

	require.Equal(t, 1, f.count(events.PoolWeightsUpdated))
	var data events.PoolWeightsUpdatedData
	require.NoError(t, events.Decode(f.events[0], &data))
	assert.Equal(t, uint16(2500), data.OldWeights[1].Weight)
	assert.Equal(t, uint16(0), data.Weights[1].Weight)
}

func TestRebalance_Rejections(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 10_000)
	original := f.engine.CurrentWeights(ctx)

	_, err := f.engine.UpdateWeightsAndRebalance(ctx, alice, []domain.Allocation{{Source: "aave", Weight: 10_000}}, domain.Zero)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = f.engine.UpdateWeightsAndRebalance(ctx, owner, []domain.Allocation{{Source: "aave", Weight: 9_999}}, domain.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidWeightSum)

	_, err = f.engine.UpdateWeightsAndRebalance(ctx, owner, []domain.Allocation{{Source: "curve", Weight: 10_000}}, domain.Zero)
	assert.ErrorIs(t, err, domain.ErrUnknownSource)

	// Evacuation cannot reach the floor: funds go back, weights unchanged
	_, err = f.engine.UpdateWeightsAndRebalance(ctx, owner, []domain.Allocation{{Source: "aave", Weight: 10_000}}, amt(10_001))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)

	assert.Equal(t, original, f.engine.CurrentWeights(ctx))
	assert.True(t, f.sourceBalance(t, "compound").Equals64(2_500))
	assert.True(t, f.engine.IdleBalance(ctx).IsZero())
	assert.True(t, f.total(t).Equals64(10_000))
}

func TestRebalance_FailedRedeploymentRollsBackWeights(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 10_000)
	original := f.engine.CurrentWeights(ctx)
	f.simulated(t, "aave").InjectFailures(true, false)

	_, err := f.engine.UpdateWeightsAndRebalance(ctx, owner, []domain.Allocation{{Source: "aave", Weight: 10_000}}, domain.Zero)
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	assert.Equal(t, original, f.engine.CurrentWeights(ctx))
	// Evacuated funds could not be placed and stay accounted as idle
	assert.True(t, f.engine.IdleBalance(ctx).Equals64(10_000))
	assert.True(t, f.sourceBalance(t, "conic").IsZero())
	assert.True(t, f.total(t).Equals64(10_000))
}

func TestReDepositIdle(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 1_000)

	_, err := f.engine.ReDepositIdle(ctx, owner, domain.Zero)
	assert.ErrorIs(t, err, domain.ErrZeroAmount)

	// A direct transfer is excess until absorbed
	f.book.Mint(usdc, account, amt(400))
	assert.True(t, f.total(t).Equals64(1_000))

	_, err = f.engine.ReDepositIdle(ctx, alice, domain.Zero)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = f.engine.ReDepositIdle(ctx, owner, amt(401))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.True(t, f.total(t).Equals64(1_000))

	f.reset()
	res, err := f.engine.ReDepositIdle(ctx, owner, amt(400))
	require.NoError(t, err)
	assert.True(t, res.Absorbed.Equals64(400))
	assert.True(t, res.Deployed.Equals64(400))
	assert.True(t, res.Residual.IsZero())
	assert.True(t, f.total(t).Equals64(1_400))
	assert.True(t, f.sourceBalance(t, "aave").Equals64(350))
	assert.Equal(t, 1, f.count(events.RedepositToPools))
}

func TestHarvest_SlippageLeavesBalancesUnchanged(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 10_000)

	conic, ok := f.reg.Reward().(*sources.Rewarding)
	require.True(t, ok)
	conic.Grant("CRV", amt(1_000))

	// 1000 CRV at 1:1 less 0.3% quotes 997
	idleBefore := f.engine.IdleBalance(ctx)
	balancesBefore, err := f.engine.SourceBalances(ctx)
	require.NoError(t, err)
	f.reset()

	_, err = f.engine.HarvestRewards(ctx, owner, amt(998))
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	assert.True(t, f.engine.IdleBalance(ctx).Equals(idleBefore))
	balancesAfter, err := f.engine.SourceBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, balancesBefore, balancesAfter)
	assert.True(t, f.balance(t, "CRV", account).IsZero())
	assert.Equal(t, 0, f.count(events.HarvestRewards))

	claimable, err := f.engine.GetClaimableRewards(ctx)
	require.NoError(t, err)
	require.Len(t, claimable, 3)
	assert.Equal(t, domain.Token("CRV"), claimable[1].Token)
	assert.True(t, claimable[1].Amount.Equals64(1_000))

	res, err := f.engine.HarvestRewards(ctx, owner, amt(997))
	require.NoError(t, err)
	assert.True(t, res.Received.Equals64(997))
	assert.True(t, f.engine.IdleBalance(ctx).Equals64(997))
	assert.True(t, f.total(t).Equals64(10_997))
	assert.Equal(t, 1, f.count(events.HarvestRewards))
}

func TestHarvest_WithoutQuoterReservesFailedProceeds(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()
	repo := NewRepository(db.Conn(), zerolog.Nop())

	f := newFixture(t, fixtureOpts{noQuoter: true, store: repo})
	ctx := context.Background()
	f.deposit(t, alice, 10_000)

	conic, ok := f.reg.Reward().(*sources.Rewarding)
	require.True(t, ok)
	conic.Grant("CRV", amt(1_000))
	totalBefore := f.total(t)
	f.reset()

	// Without quotes the shortfall only shows after the swap has paid 997
	_, err := f.engine.HarvestRewards(ctx, owner, amt(998))
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	s, err := f.engine.Summary(ctx)
	require.NoError(t, err)
	assert.True(t, s.Reserved.Equals64(997))
	assert.True(t, s.Excess.IsZero())
	assert.True(t, s.Idle.IsZero())
	assert.True(t, f.total(t).Equals(totalBefore))
	assert.Equal(t, 0, f.count(events.HarvestRewards))

	_, err = f.engine.SweepFunds(ctx, owner, usdc)
	assert.ErrorIs(t, err, domain.ErrProtectedAsset)
	assert.True(t, f.balance(t, usdc, owner).IsZero())

	// The reserve survives a restart
	restored, err := NewEngine(Config{Account: account, Underlying: usdc, ShareToken: "rfUSDC"}, Deps{
		Sources: f.reg.Adapters(),
		Weights: sources.Default().Allocations(),
		Custody: f.book,
		Gate:    f.gate,
		Store:   repo,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, restored.Load(ctx))
	rs, err := restored.Summary(ctx)
	require.NoError(t, err)
	assert.True(t, rs.Reserved.Equals64(997))

	// A direct transfer on top stays sweepable
	f.book.Mint(usdc, account, amt(5))
	swept, err := f.engine.SweepFunds(ctx, owner, usdc)
	require.NoError(t, err)
	assert.True(t, swept.Amount.Equals64(5))

	red, err := f.engine.ReDepositIdle(ctx, owner, domain.Zero)
	require.NoError(t, err)
	assert.True(t, red.Absorbed.Equals64(997))
	s, err = f.engine.Summary(ctx)
	require.NoError(t, err)
	assert.True(t, s.Reserved.IsZero())
	assert.True(t, f.total(t).Equals(totalBefore.Add64(997)))
}

func TestHarvest_Access(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 1_000)

	_, err := f.engine.HarvestRewards(ctx, bob, domain.Zero)
	assert.ErrorIs(t, err, domain.ErrNotWhitelisted)

	res, err := f.engine.HarvestRewards(ctx, alice, domain.Zero)
	require.NoError(t, err)
	assert.True(t, res.Received.IsZero())

	require.NoError(t, f.gate.Pause(ctx, owner))
	_, err = f.engine.HarvestRewards(ctx, owner, domain.Zero)
	assert.ErrorIs(t, err, domain.ErrPaused)
}

func TestSweepFunds(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 1_000)
	f.simulated(t, "aave").InjectFailures(true, false)
	f.deposit(t, alice, 400)
	require.True(t, f.engine.IdleBalance(ctx).Equals64(100))

	// Idle backs shares and cannot be swept
	_, err := f.engine.SweepFunds(ctx, owner, usdc)
	assert.ErrorIs(t, err, domain.ErrProtectedAsset)

	f.book.Mint(usdc, account, amt(50))
	f.book.Mint("DAI", account, amt(7))
	f.book.Mint(domain.NativeToken, account, amt(3))

	_, err = f.engine.SweepFunds(ctx, alice, usdc)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	// Sweeping is allowed while paused
	require.NoError(t, f.gate.Pause(ctx, owner))
	f.reset()

	res, err := f.engine.SweepFunds(ctx, owner, usdc)
	require.NoError(t, err)
	assert.True(t, res.Amount.Equals64(50))
	assert.True(t, f.engine.IdleBalance(ctx).Equals64(100))
	assert.True(t, f.balance(t, usdc, account).Equals64(100))

	res, err = f.engine.SweepFunds(ctx, owner, "DAI")
	require.NoError(t, err)
	assert.True(t, res.Amount.Equals64(7))

	res, err = f.engine.SweepFunds(ctx, owner, domain.NativeToken)
	require.NoError(t, err)
	assert.True(t, res.Amount.Equals64(3))

	assert.True(t, f.balance(t, usdc, owner).Equals64(50))
	assert.True(t, f.balance(t, "DAI", owner).Equals64(7))
	assert.Equal(t, 3, f.count(events.SweepFunds))

	_, err = f.engine.SweepFunds(ctx, owner, "DAI")
	assert.ErrorIs(t, err, domain.ErrZeroAmount)
	_, err = f.engine.SweepFunds(ctx, owner, "rfUSDC")
	assert.ErrorIs(t, err, domain.ErrUnknownToken)

	assert.True(t, f.total(t).Equals64(1_400))
}

func TestRescueFunds(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.book.Mint(usdc, alice, amt(1_000))
	_, err := f.engine.Deposit(ctx, alice, DepositRequest{Assets: amt(1_000), Receiver: account})
	require.NoError(t, err)

	_, err = f.engine.RescueFunds(ctx, alice, "rfUSDC")
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	f.reset()
	res, err := f.engine.RescueFunds(ctx, owner, "rfUSDC")
	require.NoError(t, err)
	assert.True(t, res.Amount.Equals64(1_000))
	assert.True(t, f.engine.BalanceOf(ctx, owner).Equals64(1_000))
	assert.True(t, f.engine.BalanceOf(ctx, account).IsZero())
	assert.True(t, f.engine.TotalShares(ctx).Equals64(1_000))
	assert.Equal(t, 1, f.count(events.RescueFunds))

	_, err = f.engine.RescueFunds(ctx, owner, "rfUSDC")
	assert.ErrorIs(t, err, domain.ErrZeroAmount)

	_, err = f.engine.RescueFunds(ctx, owner, usdc)
	assert.ErrorIs(t, err, domain.ErrProtectedAsset)
	f.assertSharesConsistent(t)
}

// reentrantSource calls back into the engine from inside Deposit.
type reentrantSource struct {
	domain.SourceAdapter
	engine *Engine

	reentryErr     error
	observedShares domain.Amount
}

func (r *reentrantSource) Deposit(ctx context.Context, amount domain.Amount) (domain.Amount, error) {
	if r.engine != nil {
		_, r.reentryErr = r.engine.Deposit(ctx, alice, DepositRequest{Assets: amt(1)})
		r.observedShares = r.engine.TotalShares(ctx)
	}
	return r.SourceAdapter.Deposit(ctx, amount)
}

func TestReentrantCallIsRejected(t *testing.T) {
	var hostile *reentrantSource
	f := newFixture(t, fixtureOpts{wrap: func(a domain.SourceAdapter) domain.SourceAdapter {
		if a.ID() == "aave" {
			hostile = &reentrantSource{SourceAdapter: a}
			return hostile
		}
		return a
	}})
	hostile.engine = f.engine

	f.deposit(t, alice, 1_000)

	assert.ErrorIs(t, hostile.reentryErr, domain.ErrReentrantCall)
	// Shares were minted before the external call
	assert.True(t, hostile.observedShares.Equals64(1_000))
	assert.True(t, f.engine.TotalShares(context.Background()).Equals64(1_000))
	assert.Equal(t, 1, f.count(events.DepositToVault))
}

// freshContextSource calls back into the engine without the context it was
// handed, so the callback cannot be recognised as reentrant.
type freshContextSource struct {
	domain.SourceAdapter
	engine *Engine

	depositErr error
	readErr    error
}

func (s *freshContextSource) Deposit(ctx context.Context, amount domain.Amount) (domain.Amount, error) {
	if s.engine != nil {
		_, s.depositErr = s.engine.Deposit(context.Background(), alice, DepositRequest{Assets: amt(1)})
		_, s.readErr = s.engine.TotalAssets(context.Background())
	}
	return s.SourceAdapter.Deposit(ctx, amount)
}

func TestReentrantCallWithFreshContextDoesNotHang(t *testing.T) {
	var hostile *freshContextSource
	f := newFixture(t, fixtureOpts{
		lockWait: 20 * time.Millisecond,
		wrap: func(a domain.SourceAdapter) domain.SourceAdapter {
			if a.ID() == "aave" {
				hostile = &freshContextSource{SourceAdapter: a}
				return hostile
			}
			return a
		},
	})
	hostile.engine = f.engine
	ctx := context.Background()
	f.book.Mint(usdc, alice, amt(1_000))

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Deposit(ctx, alice, DepositRequest{Assets: amt(1_000), Receiver: alice})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("deposit blocked on its own callback")
	}

	assert.ErrorIs(t, hostile.depositErr, domain.ErrEngineBusy)
	assert.ErrorIs(t, hostile.readErr, domain.ErrEngineBusy)
	assert.True(t, f.engine.TotalShares(ctx).Equals64(1_000))
	assert.True(t, f.balance(t, usdc, alice).IsZero())
	assert.Equal(t, 1, f.count(events.DepositToVault))
}

func TestLock_WaitHonoursContextAndBound(t *testing.T) {
	f := newFixture(t, fixtureOpts{lockWait: 10 * time.Millisecond})
	ctx := context.Background()

	// An operation is running
	f.engine.lock <- struct{}{}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := f.engine.Deposit(cancelled, alice, DepositRequest{Assets: amt(1)})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.engine.TotalAssets(ctx)
	assert.ErrorIs(t, err, domain.ErrEngineBusy)

	<-f.engine.lock
	f.deposit(t, alice, 10)
	assert.True(t, f.engine.BalanceOf(ctx, alice).Equals64(10))
}

func TestNewEngine_Validation(t *testing.T) {
	log := zerolog.Nop()
	book := custody.NewBook(log)
	reg, err := sources.Build(sources.Default(), account, usdc, book, log)
	require.NoError(t, err)
	gate := access.NewGate(owner, nil, nil, log)

	_, err = NewEngine(Config{Account: account, Underlying: usdc}, Deps{
		Sources: reg.Adapters(),
		Weights: []domain.Allocation{{Source: "aave", Weight: 10_000}},
		Custody: book,
		Gate:    gate,
	}, log)
	assert.ErrorIs(t, err, domain.ErrUnknownSource)

	_, err = NewEngine(Config{Account: account, Underlying: usdc}, Deps{
		Sources: reg.Adapters(),
		Weights: []domain.Allocation{{Source: "aave", Weight: 10}},
		Custody: book,
		Gate:    gate,
	}, log)
	assert.ErrorIs(t, err, domain.ErrInvalidWeightSum)

	e, err := NewEngine(Config{Account: account, Underlying: usdc}, Deps{
		Sources: reg.Adapters(),
		Weights: sources.Default().Allocations(),
		Custody: book,
		Gate:    gate,
	}, log)
	require.NoError(t, err)
	assert.Equal(t, DefaultName, e.Info().Name)
	assert.Equal(t, DefaultSymbol, e.Info().Symbol)

	_, err = e.GetClaimableRewards(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoRewardSource)
	_, err = e.HarvestRewards(context.Background(), owner, domain.Zero)
	assert.ErrorIs(t, err, domain.ErrNoRewardSource)
}

func TestRepository_PersistsAcrossRestart(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	defer cleanup()
	ctx := context.Background()

	repo := NewRepository(db.Conn(), zerolog.Nop())
	f := newFixture(t, fixtureOpts{store: repo})
	require.NoError(t, f.gate.SetWhitelisted(ctx, owner, bob, true))
	f.deposit(t, alice, 1_000)
	f.deposit(t, bob, 2_002)
	_, err := f.engine.Withdraw(ctx, bob, WithdrawRequest{Shares: amt(2_002)})
	require.NoError(t, err)
	_, err = f.engine.UpdateWeightsAndRebalance(ctx, owner, []domain.Allocation{
		{Source: "aave", Weight: 5000},
		{Source: "yearn", Weight: 5000},
	}, domain.Zero)
	require.NoError(t, err)

	restored, err := NewEngine(Config{Account: account, Underlying: usdc, ShareToken: "rfUSDC"}, Deps{
		Sources: f.reg.Adapters(),
		Weights: sources.Default().Allocations(),
		Custody: f.book,
		Gate:    f.gate,
		Store:   repo,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, restored.Load(ctx))

	assert.Equal(t, f.engine.Holders(ctx), restored.Holders(ctx))
	assert.True(t, restored.BalanceOf(ctx, bob).IsZero())
	assert.True(t, restored.TotalShares(ctx).Equals64(1_000))
	assert.True(t, restored.IdleBalance(ctx).Equals(f.engine.IdleBalance(ctx)))
	assert.Equal(t, f.engine.CurrentWeights(ctx), restored.CurrentWeights(ctx))
	assert.Equal(t, f.engine.Distributions(ctx), restored.Distributions(ctx))
}

type failingStore struct {
	mu    sync.Mutex
	saves []*State
	fail  bool
}

func (s *failingStore) Load(context.Context) (*State, error) { return &State{}, nil }

func (s *failingStore) Save(_ context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, st)
	if s.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestCommit_PersistenceFailureIsReported(t *testing.T) {
	store := &failingStore{fail: true}
	f := newFixture(t, fixtureOpts{store: store})
	ctx := context.Background()

	f.deposit(t, alice, 1_000)
	assert.True(t, f.engine.BalanceOf(ctx, alice).Equals64(1_000))
	assert.Equal(t, 1, f.count(events.ErrorOccurred))
	assert.Equal(t, 1, f.count(events.DepositToVault))

	// The next save after a failure carries every holding
	store.fail = false
	require.NoError(t, f.gate.SetWhitelisted(ctx, owner, bob, true))
	f.deposit(t, bob, 10)
	last := store.saves[len(store.saves)-1]
	assert.True(t, last.FullHoldings)
	assert.Len(t, last.Holdings, 2)

	f.deposit(t, bob, 10)
	last = store.saves[len(store.saves)-1]
	assert.False(t, last.FullHoldings)
	assert.Len(t, last.Holdings, 1)
}

func TestSummary(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.deposit(t, alice, 1_000)
	f.book.Mint(usdc, account, amt(5))

	s, err := f.engine.Summary(ctx)
	require.NoError(t, err)
	assert.True(t, s.TotalAssets.Equals64(1_000))
	assert.True(t, s.TotalShares.Equals64(1_000))
	assert.True(t, s.Excess.Equals64(5))
	assert.False(t, s.Paused)
	require.Len(t, s.Sources, 4)
	assert.Equal(t, domain.SourceID("aave"), s.Sources[0].Source)
	assert.Equal(t, uint16(2500), s.Sources[0].WeightBps)
	assert.True(t, s.Sources[0].Balance.Equals64(250))
}

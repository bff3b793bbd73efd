// Package vault implements the allocation engine: share accounting against
// live source balances, weighted distribution, pro-rata withdrawal,
// rebalancing, reward harvesting and owner recovery of foreign assets.
package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/modules/shares"
	"github.com/aristath/vault/internal/modules/slippage"
	"github.com/aristath/vault/internal/modules/weights"
	"github.com/rs/zerolog"
)

const (
	// DefaultName is the vault's display name
	DefaultName = "Return Finance USDC Vault"
	// DefaultSymbol is the share token symbol
	DefaultSymbol = "rfUSDC"

	eventModule = "vault"
)

// Config describes the vault's identity
type Config struct {
	Account    domain.Address // custody account holding the vault's tokens
	Underlying domain.Token
	ShareToken domain.Token
	Name       string
	Symbol     string
	// DustPerSource bounds the idle residual a distribution may leave per
	// active source.
	DustPerSource domain.Amount
	// LockWait bounds how long a call waits for a running operation. A
	// source calling back without the context it was handed cannot be told
	// apart from a concurrent caller, so it fails with domain.ErrEngineBusy
	// after this long instead of deadlocking.
	LockWait time.Duration
}

// DefaultLockWait is used when Config.LockWait is zero
const DefaultLockWait = 30 * time.Second

// Store persists engine state after each committed operation.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, st *State) error
}

// State is the persisted form of the engine's internal accounting.
type State struct {
	TotalShares domain.Amount
	Holdings    []domain.Holding
	// FullHoldings marks Holdings as the complete holder set rather than
	// only the balances changed since the last save.
	FullHoldings  bool
	Weights       []domain.Allocation
	Idle          domain.Amount
	Reserved      domain.Amount
	Distributions map[domain.SourceID]domain.Amount
}

// Deps are the engine's collaborators. Reward, Swapper, Quoter, Clock,
// Store and Events are optional.
type Deps struct {
	Sources []domain.SourceAdapter
	Weights []domain.Allocation
	Reward  domain.RewardSource
	Swapper domain.Swapper
	Quoter  domain.Quoter
	Custody domain.Custody
	Gate    domain.Gate
	Clock   domain.Clock
	Store   Store
	Events  *events.Manager
}

// Info is the vault's static metadata
type Info struct {
	Name       string         `json:"name"`
	Symbol     string         `json:"symbol"`
	Underlying domain.Token   `json:"underlying"`
	ShareToken domain.Token   `json:"share_token"`
	Account    domain.Address `json:"account"`
	Owner      domain.Address `json:"owner"`
}

// SourceBalance is one source's live position
type SourceBalance struct {
	Source      domain.SourceID
	WeightBps   uint16
	Balance     domain.Amount
	Distributed domain.Amount
}

// Summary is a consistent view of the vault's accounting
type Summary struct {
	TotalAssets domain.Amount
	TotalShares domain.Amount
	Idle        domain.Amount
	Reserved    domain.Amount
	Excess      domain.Amount
	Paused      bool
	Sources     []SourceBalance
}

// Engine orchestrates every vault operation. Mutating operations are
// serialized and atomic with respect to the engine's own state.
type Engine struct {
	// lock is a one-slot semaphore held by the running operation
	lock chan struct{}

	cfg     Config
	sources []domain.SourceAdapter
	byID    map[domain.SourceID]domain.SourceAdapter
	weights *weights.Table
	ledger  *shares.Ledger

	reward  domain.RewardSource
	swapper domain.Swapper
	quoter  domain.Quoter
	custody domain.Custody
	gate    domain.Gate
	clock   domain.Clock
	store   Store
	events  *events.Manager

	// idle is the underlying the engine accounts for in custody. reserved
	// is underlying from failed harvests: not priced into shares, absorbed
	// only by ReDepositIdle. Custody balance above both is excess.
	idle        domain.Amount
	reserved    domain.Amount
	distributed map[domain.SourceID]domain.Amount
	fullSave    bool

	log zerolog.Logger
}

// NewEngine validates the configuration and builds an engine. Every source
// must have exactly one weight entry.
func NewEngine(cfg Config, deps Deps, log zerolog.Logger) (*Engine, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("vault account must be set")
	}
	if cfg.Underlying == "" {
		return nil, fmt.Errorf("underlying token must be set")
	}
	if cfg.ShareToken == "" {
		cfg.ShareToken = domain.Token(cfg.Account)
	}
	if cfg.ShareToken == cfg.Underlying {
		return nil, fmt.Errorf("share token must differ from underlying")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Symbol == "" {
		cfg.Symbol = DefaultSymbol
	}
	if cfg.DustPerSource.IsZero() {
		cfg.DustPerSource = domain.NewAmount(1)
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultLockWait
	}
	if deps.Custody == nil || deps.Gate == nil {
		return nil, fmt.Errorf("custody and gate are required")
	}
	if len(deps.Sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}

	table, err := weights.NewTable(deps.Weights)
	if err != nil {
		return nil, fmt.Errorf("invalid initial weights: %w", err)
	}

	byID := make(map[domain.SourceID]domain.SourceAdapter, len(deps.Sources))
	for _, s := range deps.Sources {
		if _, dup := byID[s.ID()]; dup {
			return nil, fmt.Errorf("source %s registered twice", s.ID())
		}
		if !table.Has(s.ID()) {
			return nil, fmt.Errorf("%w: %s has no weight entry", domain.ErrUnknownSource, s.ID())
		}
		byID[s.ID()] = s
	}
	for _, id := range table.Sources() {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: weight for unregistered source %s", domain.ErrUnknownSource, id)
		}
	}
	if deps.Reward != nil {
		if _, ok := byID[deps.Reward.ID()]; !ok {
			return nil, fmt.Errorf("%w: reward source %s is not registered", domain.ErrUnknownSource, deps.Reward.ID())
		}
	}

	clock := deps.Clock
	if clock == nil {
		clock = slippage.SystemClock{}
	}

	// Adapters are distributed to in weight-table order.
	ordered := make([]domain.SourceAdapter, 0, len(byID))
	for _, id := range table.Sources() {
		ordered = append(ordered, byID[id])
	}

	return &Engine{
		lock:        make(chan struct{}, 1),
		cfg:         cfg,
		sources:     ordered,
		byID:        byID,
		weights:     table,
		ledger:      shares.NewLedger(),
		reward:      deps.Reward,
		swapper:     deps.Swapper,
		quoter:      deps.Quoter,
		custody:     deps.Custody,
		gate:        deps.Gate,
		clock:       clock,
		store:       deps.Store,
		events:      deps.Events,
		idle:        domain.Zero,
		reserved:    domain.Zero,
		distributed: make(map[domain.SourceID]domain.Amount),
		log:         log.With().Str("service", "vault").Logger(),
	}, nil
}

// Load restores persisted state. Stored weights that no longer match the
// registered sources are ignored in favour of the configured ones.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	st, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load vault state: %w", err)
	}

	if err := e.acquire(ctx, "load"); err != nil {
		return err
	}
	defer e.release()

	if err := e.ledger.Load(st.TotalShares, st.Holdings); err != nil {
		return fmt.Errorf("failed to restore share ledger: %w", err)
	}
	if len(st.Weights) > 0 {
		if err := e.weights.Set(st.Weights); err != nil {
			e.log.Warn().Err(err).Msg("Stored weights do not match registered sources, keeping configured weights")
		}
	}
	e.idle = st.Idle
	e.reserved = st.Reserved
	e.distributed = make(map[domain.SourceID]domain.Amount, len(st.Distributions))
	for id, v := range st.Distributions {
		if _, ok := e.byID[id]; ok {
			e.distributed[id] = v
		}
	}

	e.log.Info().
		Str("total_shares", st.TotalShares.String()).
		Str("idle", st.Idle.String()).
		Str("reserved", st.Reserved.String()).
		Int("holders", len(st.Holdings)).
		Msg("Vault state restored")
	return nil
}

// Info returns the vault's metadata
func (e *Engine) Info() Info {
	return Info{
		Name:       e.cfg.Name,
		Symbol:     e.cfg.Symbol,
		Underlying: e.cfg.Underlying,
		ShareToken: e.cfg.ShareToken,
		Account:    e.cfg.Account,
		Owner:      e.gate.Owner(),
	}
}

// TotalAssets returns accounted idle plus every source's live balance
func (e *Engine) TotalAssets(ctx context.Context) (domain.Amount, error) {
	var total domain.Amount
	err := e.read(ctx, func() error {
		t, _, err := e.totals(ctx, true)
		total = t
		return err
	})
	return total, err
}

// PreviewDeposit returns the shares a deposit of assets would mint now
func (e *Engine) PreviewDeposit(ctx context.Context, assets domain.Amount) (domain.Amount, error) {
	var out domain.Amount
	err := e.read(ctx, func() error {
		total, _, err := e.totals(ctx, true)
		if err != nil {
			return err
		}
		out, err = shares.ConvertToShares(assets, e.ledger.TotalSupply(), total)
		return err
	})
	return out, err
}

// PreviewWithdraw returns the assets owed for burning shares now. The
// realized amount of a withdrawal may be lower.
func (e *Engine) PreviewWithdraw(ctx context.Context, amount domain.Amount) (domain.Amount, error) {
	var out domain.Amount
	err := e.read(ctx, func() error {
		total, _, err := e.totals(ctx, false)
		if err != nil {
			return err
		}
		out, err = shares.ConvertToAssets(amount, e.ledger.TotalSupply(), total)
		return err
	})
	return out, err
}

// CurrentWeights returns the weight table in registration order
func (e *Engine) CurrentWeights(ctx context.Context) []domain.Allocation {
	var out []domain.Allocation
	_ = e.read(ctx, func() error {
		out = e.weights.Entries()
		return nil
	})
	return out
}

// PoolWeight returns one source's weight
func (e *Engine) PoolWeight(ctx context.Context, id domain.SourceID) (uint16, error) {
	var w uint16
	err := e.read(ctx, func() error {
		var err error
		w, err = e.weights.Weight(id)
		return err
	})
	return w, err
}

// GetClaimableRewards previews unclaimed reward tokens on the reward source
func (e *Engine) GetClaimableRewards(ctx context.Context) ([]domain.RewardAmount, error) {
	if e.reward == nil {
		return nil, domain.ErrNoRewardSource
	}
	return e.reward.ClaimableRewards(ctx)
}

// BalanceOf returns holder's shares
func (e *Engine) BalanceOf(ctx context.Context, holder domain.Address) domain.Amount {
	var out domain.Amount
	_ = e.read(ctx, func() error {
		out = e.ledger.BalanceOf(holder)
		return nil
	})
	return out
}

// TotalShares returns the outstanding share supply
func (e *Engine) TotalShares(ctx context.Context) domain.Amount {
	var out domain.Amount
	_ = e.read(ctx, func() error {
		out = e.ledger.TotalSupply()
		return nil
	})
	return out
}

// Holders returns every non-zero share holding
func (e *Engine) Holders(ctx context.Context) []domain.Holding {
	var out []domain.Holding
	_ = e.read(ctx, func() error {
		out = e.ledger.Holders()
		return nil
	})
	return out
}

// IdleBalance returns the accounted idle underlying
func (e *Engine) IdleBalance(ctx context.Context) domain.Amount {
	var out domain.Amount
	_ = e.read(ctx, func() error {
		out = e.idle
		return nil
	})
	return out
}

// Distributions returns the net amount recorded as deployed to each source
func (e *Engine) Distributions(ctx context.Context) map[domain.SourceID]domain.Amount {
	out := make(map[domain.SourceID]domain.Amount)
	_ = e.read(ctx, func() error {
		for id, v := range e.distributed {
			out[id] = v
		}
		return nil
	})
	return out
}

// SourceBalances returns every source's live balance with its weight
func (e *Engine) SourceBalances(ctx context.Context) ([]SourceBalance, error) {
	var out []SourceBalance
	err := e.read(ctx, func() error {
		var err error
		out, err = e.sourceBalances(ctx)
		return err
	})
	return out, err
}

// Summary returns totals, idle, excess and per-source balances read under
// one lock.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	var s *Summary
	err := e.read(ctx, func() error {
		balances, err := e.sourceBalances(ctx)
		if err != nil {
			return err
		}
		total := e.idle
		for _, b := range balances {
			total = total.Add(b.Balance)
		}
		excess, err := e.excess(ctx)
		if err != nil {
			return err
		}
		s = &Summary{
			TotalAssets: total,
			TotalShares: e.ledger.TotalSupply(),
			Idle:        e.idle,
			Reserved:    e.reserved,
			Excess:      excess,
			Paused:      e.gate.IsPaused(),
			Sources:     balances,
		}
		return nil
	})
	return s, err
}

func (e *Engine) sourceBalances(ctx context.Context) ([]SourceBalance, error) {
	out := make([]SourceBalance, 0, len(e.sources))
	for _, entry := range e.weights.Entries() {
		bal, err := e.byID[entry.Source].BalanceOf(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read balance of %s: %w", entry.Source, err)
		}
		out = append(out, SourceBalance{
			Source:      entry.Source,
			WeightBps:   entry.Weight,
			Balance:     bal,
			Distributed: e.distributed[entry.Source],
		})
	}
	return out, nil
}

// totals sums accounted idle and live source balances. When strict is
// false, a source whose balance cannot be read counts as zero, which can
// only lower the share price a withdrawal is computed from.
func (e *Engine) totals(ctx context.Context, strict bool) (domain.Amount, map[domain.SourceID]domain.Amount, error) {
	total := e.idle
	balances := make(map[domain.SourceID]domain.Amount, len(e.sources))
	for _, s := range e.sources {
		bal, err := s.BalanceOf(ctx)
		if err != nil {
			if strict {
				return domain.Zero, nil, fmt.Errorf("failed to read balance of %s: %w", s.ID(), err)
			}
			e.log.Warn().Err(err).Str("source", string(s.ID())).Msg("Source balance unavailable, counting as zero")
			continue
		}
		balances[s.ID()] = bal
		total = total.Add(bal)
	}
	return total, balances, nil
}

// excess is underlying held in custody beyond accounted idle and reserved
// harvest proceeds
func (e *Engine) excess(ctx context.Context) (domain.Amount, error) {
	held, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
	if err != nil {
		return domain.Zero, fmt.Errorf("failed to read custody balance: %w", err)
	}
	return domain.SubFloor(held, e.idle.Add(e.reserved)), nil
}

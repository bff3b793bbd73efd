package vault

import (
	"context"
	"fmt"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/modules/shares"
	"github.com/aristath/vault/internal/modules/slippage"
)

// DepositRequest describes a deposit of underlying for shares
type DepositRequest struct {
	Assets       domain.Amount
	Receiver     domain.Address
	MinSharesOut domain.Amount
	Deadline     uint64
	ReferralCode string
}

// DepositResult reports a committed deposit
type DepositResult struct {
	Shares   domain.Amount
	Deployed domain.Amount
	Idle     domain.Amount
}

// Deposit pulls assets from caller, mints shares to the receiver and
// distributes the assets across sources by weight. The share amount is
// priced from total assets read before any transfer.
func (e *Engine) Deposit(ctx context.Context, caller domain.Address, req DepositRequest) (*DepositResult, error) {
	if req.Assets.IsZero() {
		return nil, domain.ErrZeroAmount
	}
	if req.Receiver == "" {
		req.Receiver = caller
	}

	var result *DepositResult
	err := e.run(ctx, "deposit", caller, func(ctx context.Context, op *operation) error {
		if e.gate.IsPaused() {
			return domain.ErrPaused
		}
		if !e.gate.IsWhitelisted(caller) {
			return fmt.Errorf("%w: %s", domain.ErrNotWhitelisted, caller)
		}
		if err := slippage.CheckDeadline(e.clock, req.Deadline); err != nil {
			return err
		}

		total, _, err := e.totals(ctx, true)
		if err != nil {
			return err
		}
		minted, err := shares.ConvertToShares(req.Assets, e.ledger.TotalSupply(), total)
		if err != nil {
			return err
		}
		if minted.IsZero() {
			return fmt.Errorf("%w: %s assets mint no shares", domain.ErrZeroAmount, req.Assets)
		}
		if err := slippage.Require(minted, req.MinSharesOut); err != nil {
			return err
		}

		if err := e.ledger.Mint(req.Receiver, minted); err != nil {
			return err
		}

		if err := e.custody.Transfer(ctx, e.cfg.Underlying, caller, e.cfg.Account, req.Assets); err != nil {
			return fmt.Errorf("failed to collect deposit: %w", err)
		}
		e.idle = e.idle.Add(req.Assets)

		deployed := e.distribute(ctx, op, req.Assets)

		op.log.Info().
			Str("assets", req.Assets.String()).
			Str("shares", minted.String()).
			Str("deployed", deployed.String()).
			Str("receiver", string(req.Receiver)).
			Msg("Deposit accepted")

		op.emit(&events.DepositData{
			Caller:       string(caller),
			Receiver:     string(req.Receiver),
			Assets:       req.Assets.String(),
			Shares:       minted.String(),
			ReferralCode: req.ReferralCode,
		})
		result = &DepositResult{Shares: minted, Deployed: deployed, Idle: e.idle}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// distribute splits amount of accounted idle across active sources by
// weight. A failing source keeps its part idle. Returns what was deployed.
func (e *Engine) distribute(ctx context.Context, op *operation, amount domain.Amount) domain.Amount {
	active, parts, dust := e.weights.Split(amount)
	deployed := domain.Zero
	for i, a := range active {
		if parts[i].IsZero() {
			continue
		}
		moved, err := e.depositInto(ctx, a.Source, parts[i])
		deployed = deployed.Add(moved)
		if err != nil {
			op.log.Warn().
				Err(err).
				Str("source", string(a.Source)).
				Str("requested", parts[i].String()).
				Str("deposited", moved.String()).
				Msg("Source deposit failed, amount kept idle")
		}
	}
	op.log.Debug().
		Str("amount", amount.String()).
		Str("deployed", deployed.String()).
		Str("dust", dust.String()).
		Msg("Distributed across sources")
	return deployed
}

// depositInto deposits into one source and measures the movement by the
// custody balance rather than the adapter's report.
func (e *Engine) depositInto(ctx context.Context, id domain.SourceID, amount domain.Amount) (domain.Amount, error) {
	before, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
	if err != nil {
		return domain.Zero, fmt.Errorf("failed to read custody balance: %w", err)
	}
	_, depErr := e.byID[id].Deposit(ctx, amount)
	after, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
	if err != nil {
		return domain.Zero, fmt.Errorf("failed to read custody balance: %w", err)
	}

	moved := domain.SubFloor(before, after)
	e.idle = domain.SubFloor(e.idle, moved)
	e.distributed[id] = e.distributed[id].Add(moved)
	return moved, depErr
}

// withdrawFrom pulls amount from one source, measured by custody balance.
func (e *Engine) withdrawFrom(ctx context.Context, id domain.SourceID, amount domain.Amount) (domain.Amount, error) {
	before, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
	if err != nil {
		return domain.Zero, fmt.Errorf("failed to read custody balance: %w", err)
	}
	_, wdErr := e.byID[id].Withdraw(ctx, amount)
	after, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
	if err != nil {
		return domain.Zero, fmt.Errorf("failed to read custody balance: %w", err)
	}

	received := domain.SubFloor(after, before)
	e.idle = e.idle.Add(received)
	e.distributed[id] = domain.SubFloor(e.distributed[id], received)
	return received, wdErr
}

package vault

import (
	"context"
	"fmt"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/modules/shares"
	"github.com/aristath/vault/internal/modules/slippage"
)

// WithdrawRequest describes burning shares for underlying
type WithdrawRequest struct {
	Shares       domain.Amount
	Receiver     domain.Address
	Owner        domain.Address
	MinAssetsOut domain.Amount
	Deadline     uint64
}

// Shortfall is a source that returned less than it was asked for
type Shortfall struct {
	Source    domain.SourceID
	Requested domain.Amount
	Returned  domain.Amount
	Err       error
}

// WithdrawResult reports a committed withdrawal
type WithdrawResult struct {
	Owed       domain.Amount
	Assets     domain.Amount
	Shortfalls []Shortfall
}

// Withdraw burns shares and pays the receiver what the sources actually
// return. Idle covers the withdrawal alone when it can; otherwise idle and
// every source contribute in proportion to their share of total assets.
// Source shortfalls are tolerated and only fail the call through
// MinAssetsOut.
func (e *Engine) Withdraw(ctx context.Context, caller domain.Address, req WithdrawRequest) (*WithdrawResult, error) {
	if req.Shares.IsZero() {
		return nil, domain.ErrZeroAmount
	}
	if req.Owner == "" {
		req.Owner = caller
	}
	if req.Receiver == "" {
		req.Receiver = caller
	}

	var result *WithdrawResult
	err := e.run(ctx, "withdraw", caller, func(ctx context.Context, op *operation) error {
		if e.gate.IsPaused() {
			return domain.ErrPaused
		}
		if req.Owner != caller {
			return fmt.Errorf("%w: %s for %s", domain.ErrShareOwner, caller, req.Owner)
		}
		if bal := e.ledger.BalanceOf(req.Owner); bal.Cmp(req.Shares) < 0 {
			return fmt.Errorf("%w: %s holds %s, needs %s", domain.ErrInsufficientShares, req.Owner, bal, req.Shares)
		}
		if err := slippage.CheckDeadline(e.clock, req.Deadline); err != nil {
			return err
		}

		total, balances, err := e.totals(ctx, false)
		if err != nil {
			return err
		}
		owed, err := shares.ConvertToAssets(req.Shares, e.ledger.TotalSupply(), total)
		if err != nil {
			return err
		}
		if owed.IsZero() {
			return fmt.Errorf("%w: %s shares redeem nothing", domain.ErrZeroAmount, req.Shares)
		}

		if err := e.ledger.Burn(req.Owner, req.Shares); err != nil {
			return err
		}

		available, shortfalls := e.extract(ctx, op, owed, total, balances)

		pay := domain.Min(owed, domain.Min(available, e.idle))
		if err := slippage.Require(pay, req.MinAssetsOut); err != nil {
			return err
		}
		if err := e.custody.Transfer(ctx, e.cfg.Underlying, e.cfg.Account, req.Receiver, pay); err != nil {
			return fmt.Errorf("failed to pay withdrawal: %w", err)
		}
		e.idle = e.idle.Sub(pay)

		shortfall := domain.SubFloor(owed, pay)
		op.log.Info().
			Str("shares", req.Shares.String()).
			Str("owed", owed.String()).
			Str("paid", pay.String()).
			Str("shortfall", shortfall.String()).
			Int("short_sources", len(shortfalls)).
			Msg("Withdrawal paid")

		for _, s := range shortfalls {
			data := &events.ShortfallData{
				Source:    string(s.Source),
				Requested: s.Requested.String(),
				Returned:  s.Returned.String(),
			}
			if s.Err != nil {
				data.Error = s.Err.Error()
			}
			op.emit(data)
		}
		op.emit(&events.WithdrawData{
			Caller:    string(caller),
			Receiver:  string(req.Receiver),
			Owner:     string(req.Owner),
			Shares:    req.Shares.String(),
			Owed:      owed.String(),
			Assets:    pay.String(),
			Shortfall: shortfall.String(),
		})
		result = &WithdrawResult{Owed: owed, Assets: pay, Shortfalls: shortfalls}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// extract gathers owed into idle. It returns the amount available for
// payment: the idle portion plus everything the sources returned, plus the
// per-source dust tolerance drawn from idle to cover flooring.
func (e *Engine) extract(ctx context.Context, op *operation, owed, total domain.Amount, balances map[domain.SourceID]domain.Amount) (domain.Amount, []Shortfall) {
	if e.idle.Cmp(owed) >= 0 {
		return owed, nil
	}

	available := domain.MulDiv(owed, e.idle, total)
	var shortfalls []Shortfall
	pulled := 0
	for _, s := range e.sources {
		bal, ok := balances[s.ID()]
		if !ok {
			shortfalls = append(shortfalls, Shortfall{
				Source: s.ID(), Requested: domain.Zero, Returned: domain.Zero,
				Err: fmt.Errorf("balance unavailable"),
			})
			continue
		}
		if bal.IsZero() {
			continue
		}
		want := domain.MulDiv(owed, bal, total)
		if want.IsZero() {
			continue
		}
		pulled++
		got, err := e.withdrawFrom(ctx, s.ID(), want)
		available = available.Add(got)
		if err != nil || got.Cmp(want) < 0 {
			op.log.Warn().
				Err(err).
				Str("source", string(s.ID())).
				Str("requested", want.String()).
				Str("returned", got.String()).
				Msg("Source returned less than requested")
			shortfalls = append(shortfalls, Shortfall{Source: s.ID(), Requested: want, Returned: got, Err: err})
		}
	}
	return available.Add(slippage.DustTolerance(e.cfg.DustPerSource, pulled+1)), shortfalls
}

package vault

import (
	"context"
	"fmt"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/modules/slippage"
)

// RebalanceResult reports a committed rebalance
type RebalanceResult struct {
	Evacuated  domain.Amount
	Redeployed domain.Amount
	Residual   domain.Amount
}

// UpdateWeightsAndRebalance evacuates every source, installs the new
// weights and redistributes the whole idle balance. Owner only.
//
// minAssetsOutTotal bounds what the evacuation must gather into idle. If it
// is missed the gathered funds go back under the old weights before the
// call fails.
func (e *Engine) UpdateWeightsAndRebalance(ctx context.Context, caller domain.Address, newWeights []domain.Allocation, minAssetsOutTotal domain.Amount) (*RebalanceResult, error) {
	var result *RebalanceResult
	err := e.run(ctx, "rebalance", caller, func(ctx context.Context, op *operation) error {
		if !e.gate.IsOwner(caller) {
			return domain.ErrNotOwner
		}
		if e.gate.IsPaused() {
			return domain.ErrPaused
		}
		if err := e.weights.Validate(newWeights); err != nil {
			return err
		}
		old := e.weights.Entries()

		evacuated := e.evacuate(ctx, op)
		if err := slippage.Require(e.idle, minAssetsOutTotal); err != nil {
			restored := e.distribute(ctx, op, e.idle)
			op.log.Warn().
				Str("evacuated", evacuated.String()).
				Str("restored", restored.String()).
				Msg("Evacuation below minimum, funds returned under previous weights")
			return err
		}

		if err := e.weights.Set(newWeights); err != nil {
			return err
		}
		active := len(e.weights.Active())
		redeployed := e.distribute(ctx, op, e.idle)
		if err := slippage.RequireDust(e.idle, slippage.DustTolerance(e.cfg.DustPerSource, active)); err != nil {
			return err
		}

		op.log.Info().
			Str("evacuated", evacuated.String()).
			Str("redeployed", redeployed.String()).
			Str("residual", e.idle.String()).
			Msg("Rebalanced")

		op.emit(&events.PoolWeightsUpdatedData{
			OldWeights:   weightEntries(old),
			Weights:      weightEntries(e.weights.Entries()),
			Evacuated:    evacuated.String(),
			Redeployed:   redeployed.String(),
			ResidualIdle: e.idle.String(),
		})
		result = &RebalanceResult{Evacuated: evacuated, Redeployed: redeployed, Residual: e.idle}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// evacuate withdraws every source's full balance into idle. Sources that
// fail keep their funds; the caller's minimum decides whether that is
// acceptable.
func (e *Engine) evacuate(ctx context.Context, op *operation) domain.Amount {
	evacuated := domain.Zero
	for _, s := range e.sources {
		bal, err := s.BalanceOf(ctx)
		if err != nil {
			op.log.Warn().Err(err).Str("source", string(s.ID())).Msg("Cannot read source balance, skipping evacuation")
			continue
		}
		if bal.IsZero() {
			continue
		}
		got, err := e.withdrawFrom(ctx, s.ID(), bal)
		evacuated = evacuated.Add(got)
		if err != nil || got.Cmp(bal) < 0 {
			op.log.Warn().
				Err(err).
				Str("source", string(s.ID())).
				Str("balance", bal.String()).
				Str("returned", got.String()).
				Msg("Source not fully evacuated")
		}
	}
	return evacuated
}

// RedepositResult reports a committed idle sweep
type RedepositResult struct {
	Absorbed domain.Amount
	Deployed domain.Amount
	Residual domain.Amount
}

// ReDepositIdle absorbs excess and reserved underlying into idle and
// distributes idle across sources by the current weights. Owner only.
func (e *Engine) ReDepositIdle(ctx context.Context, caller domain.Address, minAssetsOut domain.Amount) (*RedepositResult, error) {
	var result *RedepositResult
	err := e.run(ctx, "redeposit", caller, func(ctx context.Context, op *operation) error {
		if !e.gate.IsOwner(caller) {
			return domain.ErrNotOwner
		}
		if e.gate.IsPaused() {
			return domain.ErrPaused
		}

		held, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
		if err != nil {
			return fmt.Errorf("failed to read custody balance: %w", err)
		}
		absorbed := domain.SubFloor(held, e.idle)
		e.idle = held
		e.reserved = domain.Zero
		if e.idle.IsZero() {
			return fmt.Errorf("%w: nothing idle to deposit", domain.ErrZeroAmount)
		}

		_, _, dust := e.weights.Split(e.idle)
		if err := slippage.Require(e.idle.Sub(dust), minAssetsOut); err != nil {
			return err
		}
		deployed := e.distribute(ctx, op, e.idle)
		if err := slippage.Require(deployed, minAssetsOut); err != nil {
			return err
		}
		active := len(e.weights.Active())
		if err := slippage.RequireDust(e.idle, slippage.DustTolerance(e.cfg.DustPerSource, active)); err != nil {
			return err
		}

		op.log.Info().
			Str("absorbed", absorbed.String()).
			Str("deployed", deployed.String()).
			Str("residual", e.idle.String()).
			Msg("Idle redeposited")

		op.emit(&events.RedepositData{
			Amount:       deployed.String(),
			Absorbed:     absorbed.String(),
			ResidualIdle: e.idle.String(),
		})
		result = &RedepositResult{Absorbed: absorbed, Deployed: deployed, Residual: e.idle}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func weightEntries(allocs []domain.Allocation) []events.WeightEntry {
	out := make([]events.WeightEntry, len(allocs))
	for i, a := range allocs {
		out[i] = events.WeightEntry{Source: string(a.Source), Weight: a.Weight}
	}
	return out
}

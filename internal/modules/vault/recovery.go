package vault

import (
	"context"
	"fmt"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
)

// RecoveryResult reports what a sweep or rescue moved to the owner
type RecoveryResult struct {
	Token  domain.Token
	Amount domain.Amount
	To     domain.Address
}

// SweepFunds sends the vault's whole balance of a foreign token to the
// owner. For the underlying only the excess above accounted idle and
// reserved harvest proceeds moves; the share token cannot be swept. Owner
// only, allowed while paused.
func (e *Engine) SweepFunds(ctx context.Context, caller domain.Address, token domain.Token) (*RecoveryResult, error) {
	var result *RecoveryResult
	err := e.run(ctx, "sweep", caller, func(ctx context.Context, op *operation) error {
		if !e.gate.IsOwner(caller) {
			return domain.ErrNotOwner
		}
		if token == e.cfg.ShareToken {
			return fmt.Errorf("%w: %s is the vault's share token, use rescue", domain.ErrUnknownToken, token)
		}
		r, err := e.recoverToken(ctx, op, token, false)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RescueFunds is SweepFunds that also recovers vault shares held by the
// vault's own account. Owner only, allowed while paused.
func (e *Engine) RescueFunds(ctx context.Context, caller domain.Address, token domain.Token) (*RecoveryResult, error) {
	var result *RecoveryResult
	err := e.run(ctx, "rescue", caller, func(ctx context.Context, op *operation) error {
		if !e.gate.IsOwner(caller) {
			return domain.ErrNotOwner
		}
		if token != e.cfg.ShareToken {
			r, err := e.recoverToken(ctx, op, token, true)
			result = r
			return err
		}

		owner := e.gate.Owner()
		held := e.ledger.BalanceOf(e.cfg.Account)
		if held.IsZero() {
			return fmt.Errorf("%w: vault holds none of its own shares", domain.ErrZeroAmount)
		}
		if err := e.ledger.Move(e.cfg.Account, owner, held); err != nil {
			return err
		}
		op.log.Info().Str("shares", held.String()).Msg("Vault-held shares rescued")
		op.emit(&events.RecoveryData{Token: string(token), Amount: held.String(), To: string(owner), Rescue: true})
		result = &RecoveryResult{Token: token, Amount: held, To: owner}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) recoverToken(ctx context.Context, op *operation, token domain.Token, rescue bool) (*RecoveryResult, error) {
	owner := e.gate.Owner()

	var amount domain.Amount
	if token == e.cfg.Underlying {
		excess, err := e.excess(ctx)
		if err != nil {
			return nil, err
		}
		if excess.IsZero() {
			return nil, fmt.Errorf("%w: no %s above the accounted %s", domain.ErrProtectedAsset, token, e.idle.Add(e.reserved))
		}
		amount = excess
	} else {
		held, err := e.custody.BalanceOf(ctx, token, e.cfg.Account)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s balance: %w", token, err)
		}
		if held.IsZero() {
			return nil, fmt.Errorf("%w: vault holds no %s", domain.ErrZeroAmount, token)
		}
		amount = held
	}

	if err := e.custody.Transfer(ctx, token, e.cfg.Account, owner, amount); err != nil {
		return nil, fmt.Errorf("failed to transfer %s: %w", token, err)
	}

	op.log.Info().
		Str("token", string(token)).
		Str("amount", amount.String()).
		Bool("rescue", rescue).
		Msg("Funds recovered to owner")

	op.emit(&events.RecoveryData{Token: string(token), Amount: amount.String(), To: string(owner), Rescue: rescue})
	return &RecoveryResult{Token: token, Amount: amount, To: owner}, nil
}

package vault

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/modules/slippage"
)

// HarvestResult reports a committed harvest
type HarvestResult struct {
	Claimed  []domain.RewardAmount
	Received domain.Amount
}

// HarvestRewards claims the reward source's tokens, swaps them into the
// underlying and credits the proceeds to idle. Owner or whitelisted.
//
// The harvest is all-or-nothing: when quotes are available the expected
// output is checked against minUnderlyingOut before anything moves, and the
// realized output is checked again afterwards. Proceeds of a failed harvest
// are not credited: they are reserved, unpriced and out of reach of
// SweepFunds, until ReDepositIdle absorbs them.
func (e *Engine) HarvestRewards(ctx context.Context, caller domain.Address, minUnderlyingOut domain.Amount) (*HarvestResult, error) {
	if e.reward == nil {
		return nil, domain.ErrNoRewardSource
	}
	if e.swapper == nil {
		return nil, fmt.Errorf("%w: no swapper configured", domain.ErrNoRewardSource)
	}

	var result *HarvestResult
	err := e.run(ctx, "harvest", caller, func(ctx context.Context, op *operation) error {
		op.creditOnRollback = false
		op.reserveOnRollback = true

		if !e.gate.IsOwner(caller) && !e.gate.IsWhitelisted(caller) {
			return fmt.Errorf("%w: %s", domain.ErrNotWhitelisted, caller)
		}
		if e.gate.IsPaused() {
			return domain.ErrPaused
		}

		claimable, err := e.reward.ClaimableRewards(ctx)
		if err != nil {
			return fmt.Errorf("failed to read claimable rewards: %w", err)
		}
		tokens := rewardTokens(claimable)

		// Per-token minimums come from quotes over claimable plus already-held balances.
		quotes := make(map[domain.Token]domain.Amount, len(tokens))
		if e.quoter != nil {
			expected := domain.Zero
			for _, token := range tokens {
				amount, err := e.rewardHoldings(ctx, token, claimable)
				if err != nil {
					return err
				}
				if amount.IsZero() {
					continue
				}
				q, err := e.quoter.Quote(ctx, token, amount)
				if err != nil {
					return fmt.Errorf("failed to quote %s: %w", token, err)
				}
				quotes[token] = q
				expected = expected.Add(q)
			}
			if err := slippage.Require(expected, minUnderlyingOut); err != nil {
				return err
			}
		}

		claimed, err := e.reward.ClaimRewards(ctx)
		if err != nil {
			return fmt.Errorf("failed to claim rewards: %w", err)
		}
		for _, token := range rewardTokens(claimed) {
			if _, ok := quotes[token]; !ok {
				tokens = appendToken(tokens, token)
			}
		}

		before, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
		if err != nil {
			return fmt.Errorf("failed to read custody balance: %w", err)
		}
		for _, token := range tokens {
			if token == e.cfg.Underlying {
				continue
			}
			held, err := e.custody.BalanceOf(ctx, token, e.cfg.Account)
			if err != nil {
				return fmt.Errorf("failed to read %s balance: %w", token, err)
			}
			if held.IsZero() {
				continue
			}
			// Tokens accrued between quote and claim sell at the quoted floor.
			out, err := e.swapper.Swap(ctx, token, held, quotes[token])
			if err != nil {
				return fmt.Errorf("failed to swap %s: %w", token, err)
			}
			op.log.Debug().
				Str("token", string(token)).
				Str("amount", held.String()).
				Str("out", out.String()).
				Msg("Reward swapped")
		}
		after, err := e.custody.BalanceOf(ctx, e.cfg.Underlying, e.cfg.Account)
		if err != nil {
			return fmt.Errorf("failed to read custody balance: %w", err)
		}

		received := domain.SubFloor(after, before)
		if err := slippage.Require(received, minUnderlyingOut); err != nil {
			return err
		}
		e.idle = e.idle.Add(received)

		op.log.Info().
			Str("source", string(e.reward.ID())).
			Int("tokens", len(claimed)).
			Str("received", received.String()).
			Msg("Rewards harvested")

		entries := make([]events.RewardEntry, 0, len(claimed))
		for _, c := range claimed {
			entries = append(entries, events.RewardEntry{Token: string(c.Token), Amount: c.Amount.String()})
		}
		op.emit(&events.HarvestData{
			Source:   string(e.reward.ID()),
			Claimed:  entries,
			Received: received.String(),
		})
		result = &HarvestResult{Claimed: claimed, Received: received}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// rewardHoldings is the claimable amount of token plus what the vault
// already holds of it.
func (e *Engine) rewardHoldings(ctx context.Context, token domain.Token, claimable []domain.RewardAmount) (domain.Amount, error) {
	held, err := e.custody.BalanceOf(ctx, token, e.cfg.Account)
	if err != nil {
		return domain.Zero, fmt.Errorf("failed to read %s balance: %w", token, err)
	}
	for _, c := range claimable {
		if c.Token == token {
			held = held.Add(c.Amount)
		}
	}
	return held, nil
}

func rewardTokens(rewards []domain.RewardAmount) []domain.Token {
	var out []domain.Token
	for _, r := range rewards {
		out = appendToken(out, r.Token)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func appendToken(tokens []domain.Token, token domain.Token) []domain.Token {
	for _, t := range tokens {
		if t == token {
			return tokens
		}
	}
	return append(tokens, token)
}

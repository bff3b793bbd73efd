// Package swap implements a simulated swap venue converting reward tokens
// into the vault's underlying asset.
package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/modules/custody"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// PoolAccount is the custody account the venue takes input tokens into.
const PoolAccount domain.Address = "swap:pool"

// ErrInsufficientOutput is returned when a swap cannot meet its minimum output.
var ErrInsufficientOutput = errors.New("insufficient output amount")

// Price is Numerator/Denominator underlying units per smallest unit of a token
type Price struct {
	Numerator   uint64 `msgpack:"num"`
	Denominator uint64 `msgpack:"den"`
}

// Venue quotes and executes swaps at fixed prices less a fee.
type Venue struct {
	mu         sync.RWMutex
	book       *custody.Book
	vault      domain.Address
	underlying domain.Token
	feeBps     uint64
	prices     map[domain.Token]Price
	log        zerolog.Logger
}

// NewVenue creates a venue paying underlying into vault's account
func NewVenue(book *custody.Book, vault domain.Address, underlying domain.Token, feeBps uint64, log zerolog.Logger) *Venue {
	return &Venue{
		book:       book,
		vault:      vault,
		underlying: underlying,
		feeBps:     feeBps,
		prices:     make(map[domain.Token]Price),
		log:        log.With().Str("component", "swap").Logger(),
	}
}

// SetPrice sets or replaces the price of token
func (v *Venue) SetPrice(token domain.Token, p Price) error {
	if p.Denominator == 0 {
		return fmt.Errorf("price for %s has zero denominator", token)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[token] = p
	return nil
}

// Quote returns the underlying a swap of amount would pay, fee deducted
func (v *Venue) Quote(_ context.Context, token domain.Token, amount domain.Amount) (domain.Amount, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.quote(token, amount)
}

func (v *Venue) quote(token domain.Token, amount domain.Amount) (domain.Amount, error) {
	p, ok := v.prices[token]
	if !ok {
		return domain.Zero, fmt.Errorf("%w: no price for %s", domain.ErrUnknownToken, token)
	}
	gross := domain.MulDiv(amount, domain.NewAmount(p.Numerator), domain.NewAmount(p.Denominator))
	return gross.Sub(domain.MulBps(gross, v.feeBps)), nil
}

// Swap takes amount of token from the vault account and pays the quoted
// underlying back into it. Nothing moves when the quote is below minOut.
func (v *Venue) Swap(ctx context.Context, token domain.Token, amount, minOut domain.Amount) (domain.Amount, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount.IsZero() {
		return domain.Zero, nil
	}
	out, err := v.quote(token, amount)
	if err != nil {
		return domain.Zero, err
	}
	if out.Cmp(minOut) < 0 {
		return domain.Zero, fmt.Errorf("%w: %s %s quotes %s, minimum %s", ErrInsufficientOutput, amount, token, out, minOut)
	}
	if err := v.book.Transfer(ctx, token, v.vault, PoolAccount, amount); err != nil {
		return domain.Zero, fmt.Errorf("failed to collect %s: %w", token, err)
	}
	v.book.Mint(v.underlying, v.vault, out)

	v.log.Info().
		Str("token", string(token)).
		Str("amount_in", amount.String()).
		Str("amount_out", out.String()).
		Msg("Swap executed")
	return out, nil
}

type venueState struct {
	FeeBps uint64           `msgpack:"fee_bps"`
	Prices map[string]Price `msgpack:"prices"`
}

// MarshalState encodes fee and price table
func (v *Venue) MarshalState() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st := venueState{FeeBps: v.feeBps, Prices: make(map[string]Price, len(v.prices))}
	for t, p := range v.prices {
		st.Prices[string(t)] = p
	}
	return msgpack.Marshal(&st)
}

// UnmarshalState restores state written by MarshalState
func (v *Venue) UnmarshalState(data []byte) error {
	var st venueState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to decode swap state: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.feeBps = st.FeeBps
	v.prices = make(map[domain.Token]Price, len(st.Prices))
	for t, p := range st.Prices {
		v.prices[domain.Token(t)] = p
	}
	return nil
}

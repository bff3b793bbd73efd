// Package custody implements an in-process token book: balances of every
// token per account, with transfers between accounts.
package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/vault/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Book is a simulated multi-token ledger. Safe for concurrent use.
type Book struct {
	mu       sync.RWMutex
	balances map[domain.Token]map[domain.Address]domain.Amount
	log      zerolog.Logger
}

// NewBook creates an empty token book
func NewBook(log zerolog.Logger) *Book {
	return &Book{
		balances: make(map[domain.Token]map[domain.Address]domain.Amount),
		log:      log.With().Str("component", "custody").Logger(),
	}
}

// BalanceOf returns account's holding of token
func (b *Book) BalanceOf(_ context.Context, token domain.Token, account domain.Address) (domain.Amount, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[token][account], nil
}

// Transfer moves amount of token from one account to another
func (b *Book) Transfer(_ context.Context, token domain.Token, from, to domain.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[token][from]
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", domain.ErrInsufficientFunds, from, bal, token, amount)
	}
	if from == to {
		return nil
	}
	b.set(token, from, bal.Sub(amount))
	b.set(token, to, b.balances[token][to].Add(amount))

	b.log.Debug().
		Str("token", string(token)).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("amount", amount.String()).
		Msg("Transfer")
	return nil
}

// Mint credits new tokens to an account
func (b *Book) Mint(token domain.Token, to domain.Address, amount domain.Amount) {
	if amount.IsZero() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set(token, to, b.balances[token][to].Add(amount))
}

// Burn destroys tokens held by an account
func (b *Book) Burn(token domain.Token, from domain.Address, amount domain.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[token][from]
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, burning %s", domain.ErrInsufficientFunds, from, bal, token, amount)
	}
	b.set(token, from, bal.Sub(amount))
	return nil
}

// Holdings returns every non-zero token balance of account
func (b *Book) Holdings(account domain.Address) map[domain.Token]domain.Amount {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[domain.Token]domain.Amount)
	for token, accounts := range b.balances {
		if v, ok := accounts[account]; ok {
			out[token] = v
		}
	}
	return out
}

// Tokens lists every token with at least one holder
func (b *Book) Tokens() []domain.Token {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Token, 0, len(b.balances))
	for t, accounts := range b.balances {
		if len(accounts) > 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Book) set(token domain.Token, account domain.Address, v domain.Amount) {
	accounts, ok := b.balances[token]
	if !ok {
		accounts = make(map[domain.Address]domain.Amount)
		b.balances[token] = accounts
	}
	if v.IsZero() {
		delete(accounts, account)
		return
	}
	accounts[account] = v
}

type bookState struct {
	Balances map[string]map[string]string `msgpack:"balances"`
}

// MarshalState encodes the book with msgpack
func (b *Book) MarshalState() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state := bookState{Balances: make(map[string]map[string]string, len(b.balances))}
	for token, accounts := range b.balances {
		m := make(map[string]string, len(accounts))
		for a, v := range accounts {
			m[string(a)] = v.String()
		}
		state.Balances[string(token)] = m
	}
	return msgpack.Marshal(&state)
}

// UnmarshalState replaces the book with a msgpack-encoded state
func (b *Book) UnmarshalState(data []byte) error {
	var state bookState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to decode custody state: %w", err)
	}

	balances := make(map[domain.Token]map[domain.Address]domain.Amount, len(state.Balances))
	for token, accounts := range state.Balances {
		m := make(map[domain.Address]domain.Amount, len(accounts))
		for a, raw := range accounts {
			v, err := domain.ParseAmount(raw)
			if err != nil {
				return fmt.Errorf("corrupt balance %s/%s: %w", token, a, err)
			}
			m[domain.Address(a)] = v
		}
		balances[domain.Token(token)] = m
	}

	b.mu.Lock()
	b.balances = balances
	b.mu.Unlock()
	return nil
}

// Package shares implements the vault's share ledger and the share/asset
// conversion math.
package shares

import (
	"fmt"
	"sort"

	"github.com/aristath/vault/internal/domain"
	"lukechampine.com/uint128"
)

// Ledger tracks share balances per holder and the total supply.
//
// The ledger is not safe for concurrent use; the vault engine serializes
// access. Begin/Rollback/Commit provide an undo journal so a failed
// operation restores every balance it touched.
type Ledger struct {
	total    domain.Amount
	balances map[domain.Address]domain.Amount

	recording bool
	undo      map[domain.Address]domain.Amount
	undoTotal domain.Amount

	dirty map[domain.Address]struct{}
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[domain.Address]domain.Amount),
		undo:     make(map[domain.Address]domain.Amount),
		dirty:    make(map[domain.Address]struct{}),
	}
}

// Load replaces the ledger contents. Holdings must sum to total.
func (l *Ledger) Load(total domain.Amount, holdings []domain.Holding) error {
	sum := domain.Zero
	balances := make(map[domain.Address]domain.Amount, len(holdings))
	for _, h := range holdings {
		if h.Shares.IsZero() {
			continue
		}
		sum = sum.Add(h.Shares)
		balances[h.Holder] = h.Shares
	}
	if !sum.Equals(total) {
		return fmt.Errorf("share balances sum to %s, total supply is %s", sum, total)
	}
	l.total = total
	l.balances = balances
	l.undo = make(map[domain.Address]domain.Amount)
	l.dirty = make(map[domain.Address]struct{})
	l.recording = false
	return nil
}

// BalanceOf returns the shares held by holder
func (l *Ledger) BalanceOf(holder domain.Address) domain.Amount {
	return l.balances[holder]
}

// TotalSupply returns the outstanding share count
func (l *Ledger) TotalSupply() domain.Amount {
	return l.total
}

// Mint credits shares to holder
func (l *Ledger) Mint(to domain.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return domain.ErrZeroAmount
	}
	if uint128.Max.Sub(l.total).Cmp(amount) < 0 {
		return fmt.Errorf("mint of %s overflows total supply", amount)
	}
	l.touch(to)
	l.total = l.total.Add(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// Burn debits shares from holder
func (l *Ledger) Burn(from domain.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return domain.ErrZeroAmount
	}
	bal := l.balances[from]
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", domain.ErrInsufficientShares, from, bal, amount)
	}
	l.touch(from)
	l.total = l.total.Sub(amount)
	l.set(from, bal.Sub(amount))
	return nil
}

// Move transfers shares between holders without changing the supply
func (l *Ledger) Move(from, to domain.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return domain.ErrZeroAmount
	}
	bal := l.balances[from]
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", domain.ErrInsufficientShares, from, bal, amount)
	}
	if from == to {
		return nil
	}
	l.touch(from)
	l.touch(to)
	l.set(from, bal.Sub(amount))
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// Holders returns every non-zero holding sorted by holder
func (l *Ledger) Holders() []domain.Holding {
	out := make([]domain.Holding, 0, len(l.balances))
	for h, s := range l.balances {
		out = append(out, domain.Holding{Holder: h, Shares: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Holder < out[j].Holder })
	return out
}

// Begin starts recording changes for Rollback.
func (l *Ledger) Begin() {
	l.recording = true
	l.undo = make(map[domain.Address]domain.Amount)
	l.undoTotal = l.total
}

// Rollback restores every balance touched since Begin.
func (l *Ledger) Rollback() {
	if !l.recording {
		return
	}
	for h, prev := range l.undo {
		l.set(h, prev)
	}
	l.total = l.undoTotal
	l.recording = false
	l.undo = make(map[domain.Address]domain.Amount)
}

// Commit discards the undo journal.
func (l *Ledger) Commit() {
	l.recording = false
	l.undo = make(map[domain.Address]domain.Amount)
}

// TakeDirty returns the current balance of every holder changed since the
// last call, zero balances included, and clears the set.
func (l *Ledger) TakeDirty() []domain.Holding {
	out := make([]domain.Holding, 0, len(l.dirty))
	for h := range l.dirty {
		out = append(out, domain.Holding{Holder: h, Shares: l.balances[h]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Holder < out[j].Holder })
	l.dirty = make(map[domain.Address]struct{})
	return out
}

func (l *Ledger) touch(h domain.Address) {
	l.dirty[h] = struct{}{}
	if !l.recording {
		return
	}
	if _, seen := l.undo[h]; !seen {
		l.undo[h] = l.balances[h]
	}
}

func (l *Ledger) set(h domain.Address, v domain.Amount) {
	if v.IsZero() {
		delete(l.balances, h)
		return
	}
	l.balances[h] = v
}

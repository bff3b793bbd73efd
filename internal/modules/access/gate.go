// Package access implements owner, whitelist and pause controls for the vault.
package access

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
	"github.com/rs/zerolog"
)

// Gate answers authorization questions and applies owner-only toggles.
// Safe for concurrent use.
type Gate struct {
	mu        sync.RWMutex
	owner     domain.Address
	paused    bool
	whitelist map[domain.Address]struct{}

	repo   *Repository
	events *events.Manager
	log    zerolog.Logger
}

// NewGate creates a gate owned by owner. repo and eventManager may be nil.
func NewGate(owner domain.Address, repo *Repository, eventManager *events.Manager, log zerolog.Logger) *Gate {
	return &Gate{
		owner:     owner,
		whitelist: make(map[domain.Address]struct{}),
		repo:      repo,
		events:    eventManager,
		log:       log.With().Str("component", "access_gate").Logger(),
	}
}

// Load restores persisted state. A stored owner overrides the constructor's.
func (g *Gate) Load(ctx context.Context) error {
	if g.repo == nil {
		return nil
	}
	state, err := g.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load access state: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if state.Owner != "" {
		g.owner = state.Owner
	}
	g.paused = state.Paused
	g.whitelist = make(map[domain.Address]struct{}, len(state.Whitelist))
	for _, a := range state.Whitelist {
		g.whitelist[a] = struct{}{}
	}
	return g.repo.SaveOwner(ctx, g.owner)
}

// Owner returns the privileged address
func (g *Gate) Owner() domain.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner
}

// IsOwner reports whether addr is the owner
func (g *Gate) IsOwner(addr domain.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return addr != "" && addr == g.owner
}

// IsWhitelisted reports whether addr may deposit
func (g *Gate) IsWhitelisted(addr domain.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.whitelist[addr]
	return ok
}

// IsPaused reports whether deposits and withdrawals are halted
func (g *Gate) IsPaused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// Whitelist returns every whitelisted address, sorted
func (g *Gate) Whitelist() []domain.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.Address, 0, len(g.whitelist))
	for a := range g.whitelist {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetWhitelisted adds or removes addr. Only the owner may call it.
func (g *Gate) SetWhitelisted(ctx context.Context, caller, addr domain.Address, allowed bool) error {
	if addr == "" {
		return fmt.Errorf("address must not be empty")
	}

	g.mu.Lock()
	if caller != g.owner {
		g.mu.Unlock()
		return domain.ErrNotOwner
	}
	if g.repo != nil {
		if err := g.repo.SetWhitelisted(ctx, addr, allowed); err != nil {
			g.mu.Unlock()
			return fmt.Errorf("failed to persist whitelist change: %w", err)
		}
	}
	if allowed {
		g.whitelist[addr] = struct{}{}
	} else {
		delete(g.whitelist, addr)
	}
	g.mu.Unlock()

	g.log.Info().Str("address", string(addr)).Bool("allowed", allowed).Msg("Whitelist updated")
	g.emit(&events.WhitelistData{Address: string(addr), Allowed: allowed})
	return nil
}

// Pause halts deposits and withdrawals. Pausing a paused vault is a no-op.
func (g *Gate) Pause(ctx context.Context, caller domain.Address) error {
	return g.setPaused(ctx, caller, true)
}

// Unpause resumes deposits and withdrawals. Unpausing a running vault is a no-op.
func (g *Gate) Unpause(ctx context.Context, caller domain.Address) error {
	return g.setPaused(ctx, caller, false)
}

func (g *Gate) setPaused(ctx context.Context, caller domain.Address, paused bool) error {
	g.mu.Lock()
	if caller != g.owner {
		g.mu.Unlock()
		return domain.ErrNotOwner
	}
	if g.paused == paused {
		g.mu.Unlock()
		return nil
	}
	if g.repo != nil {
		if err := g.repo.SetPaused(ctx, paused); err != nil {
			g.mu.Unlock()
			return fmt.Errorf("failed to persist pause state: %w", err)
		}
	}
	g.paused = paused
	g.mu.Unlock()

	g.log.Warn().Bool("paused", paused).Str("by", string(caller)).Msg("Vault pause state changed")
	g.emit(&events.PauseData{By: string(caller), Paused: paused})
	return nil
}

func (g *Gate) emit(data events.EventData) {
	if g.events != nil {
		g.events.Emit("access", data)
	}
}

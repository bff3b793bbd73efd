package sources

import (
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/modules/custody"
	"github.com/rs/zerolog"
)

// Stateful is implemented by adapters that persist simulation state
type Stateful interface {
	MarshalState() ([]byte, error)
	UnmarshalState([]byte) error
}

// Registry holds every adapter described by a sources file
type Registry struct {
	adapters []domain.SourceAdapter
	reward   domain.RewardSource
	byID     map[domain.SourceID]domain.SourceAdapter
}

// Build creates one simulated adapter per configured source. The first
// source with rewards becomes the registry's reward source.
func Build(f *File, vault domain.Address, underlying domain.Token, book *custody.Book, log zerolog.Logger) (*Registry, error) {
	reg := &Registry{byID: make(map[domain.SourceID]domain.SourceAdapter)}
	for _, cfg := range f.Sources {
		base, err := NewSimulated(cfg, vault, underlying, book, log)
		if err != nil {
			return nil, err
		}
		var adapter domain.SourceAdapter = base
		if len(cfg.Rewards) > 0 {
			rs, err := NewRewarding(base, cfg)
			if err != nil {
				return nil, err
			}
			if reg.reward == nil {
				reg.reward = rs
			}
			adapter = rs
		}
		reg.adapters = append(reg.adapters, adapter)
		reg.byID[adapter.ID()] = adapter
	}
	return reg, nil
}

// Adapters returns the adapters in configuration order
func (r *Registry) Adapters() []domain.SourceAdapter {
	out := make([]domain.SourceAdapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// Reward returns the reward-bearing source, or nil
func (r *Registry) Reward() domain.RewardSource {
	return r.reward
}

// Get returns the adapter for id
func (r *Registry) Get(id domain.SourceID) (domain.SourceAdapter, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// Stateful returns the adapters that carry simulation state, keyed by id
func (r *Registry) Stateful() map[domain.SourceID]Stateful {
	out := make(map[domain.SourceID]Stateful, len(r.adapters))
	for _, a := range r.adapters {
		if s, ok := a.(Stateful); ok {
			out[a.ID()] = s
		}
	}
	return out
}

// SetClock points every simulated adapter at the same time source
func (r *Registry) SetClock(now func() time.Time) {
	for _, a := range r.adapters {
		if c, ok := a.(interface{ SetClock(func() time.Time) }); ok {
			c.SetClock(now)
		}
	}
}

// Package simulation persists the state of the in-process collaborators
// (custody book, simulated sources, swap venue) so a restarted service sees
// the same balances the ledger was committed against.
package simulation

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/vault/internal/database"
	"github.com/aristath/vault/internal/events"
	"github.com/rs/zerolog"
)

// Stateful is a component whose state round-trips through a byte blob
type Stateful interface {
	MarshalState() ([]byte, error)
	UnmarshalState([]byte) error
}

// Store saves registered components to simulation.db
// Database: simulation.db (simulation_state table)
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	parts map[string]Stateful
	log   zerolog.Logger
}

// NewStore creates a new simulation store
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:    db,
		parts: make(map[string]Stateful),
		log:   log.With().Str("repo", "simulation").Logger(),
	}
}

// Register adds a component under key. Registering a key twice replaces it.
func (s *Store) Register(key string, part Stateful) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[key] = part
}

// Keys returns registered keys in sorted order
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys()
}

func (s *Store) keys() []string {
	out := make([]string, 0, len(s.parts))
	for k := range s.parts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Save writes every registered component in one transaction
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobs := make(map[string][]byte, len(s.parts))
	for _, key := range s.keys() {
		data, err := s.parts[key].MarshalState()
		if err != nil {
			return fmt.Errorf("failed to encode %s state: %w", key, err)
		}
		blobs[key] = data
	}

	now := time.Now().Unix()
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		for key, data := range blobs {
			_, err := tx.Exec(`
				INSERT INTO simulation_state (key, blob, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
			`, key, data, now)
			if err != nil {
				return fmt.Errorf("failed to save %s state: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Debug().Int("components", len(blobs)).Msg("Simulation state saved")
	return nil
}

// Load restores every registered component that has a stored blob and
// returns how many were restored. Components without one keep their state.
func (s *Store) Load() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, key := range s.keys() {
		var data []byte
		err := s.db.QueryRow(`SELECT blob FROM simulation_state WHERE key = ?`, key).Scan(&data)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("failed to load %s state: %w", key, err)
		}
		if err := s.parts[key].UnmarshalState(data); err != nil {
			return restored, fmt.Errorf("failed to decode %s state: %w", key, err)
		}
		restored++
	}

	s.log.Info().Int("restored", restored).Int("registered", len(s.parts)).Msg("Simulation state loaded")
	return restored, nil
}

// persistOn lists the events after which collaborator balances have moved.
var persistOn = []events.EventType{
	events.DepositToVault,
	events.WithdrawFromVault,
	events.PoolWeightsUpdated,
	events.RedepositToPools,
	events.HarvestRewards,
	events.SweepFunds,
	events.RescueFunds,
}

// Attach saves the store after every balance-moving vault event and returns
// the subscription ids.
func (s *Store) Attach(bus *events.Bus) []events.SubscriptionID {
	ids := make([]events.SubscriptionID, 0, len(persistOn))
	for _, typ := range persistOn {
		ids = append(ids, bus.Subscribe(typ, func(e *events.Event) {
			if err := s.Save(); err != nil {
				s.log.Error().Err(err).Str("event_type", string(e.Type)).Msg("Failed to persist simulation state")
			}
		}))
	}
	return ids
}

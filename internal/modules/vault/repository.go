package vault

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/vault/internal/database"
	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/modules/shares"
	"github.com/aristath/vault/internal/modules/weights"
	"github.com/rs/zerolog"
)

const (
	idleKey     = "accounted_idle"
	reservedKey = "reserved_harvest"
)

// Repository stores engine state in the ledger database. Every save runs
// in one transaction.
// Database: ledger.db (share_balances, vault_state, source_weights, source_distributions)
type Repository struct {
	db      *sql.DB
	shares  *shares.Repository
	weights *weights.Repository
	log     zerolog.Logger
}

// NewRepository creates a new vault repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:      db,
		shares:  shares.NewRepository(db, log),
		weights: weights.NewRepository(db, log),
		log:     log.With().Str("repo", "vault").Logger(),
	}
}

// Save writes st atomically
func (r *Repository) Save(_ context.Context, st *State) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if st.FullHoldings {
			if _, err := tx.Exec(`DELETE FROM share_balances`); err != nil {
				return fmt.Errorf("failed to clear share balances: %w", err)
			}
		}
		if err := r.shares.SaveTx(tx, st.TotalShares, st.Holdings); err != nil {
			return err
		}
		if err := r.weights.SaveTx(tx, st.Weights); err != nil {
			return err
		}

		now := time.Now().Unix()
		for key, v := range map[string]domain.Amount{idleKey: st.Idle, reservedKey: st.Reserved} {
			_, err := tx.Exec(`
				INSERT INTO vault_state (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, key, v.String(), now)
			if err != nil {
				return fmt.Errorf("failed to save %s: %w", key, err)
			}
		}

		for id, amount := range st.Distributions {
			_, err := tx.Exec(`
				INSERT INTO source_distributions (source, amount) VALUES (?, ?)
				ON CONFLICT(source) DO UPDATE SET amount = excluded.amount
			`, string(id), amount.String())
			if err != nil {
				return fmt.Errorf("failed to save distribution for %s: %w", id, err)
			}
		}
		return nil
	})
}

// Load reads the full persisted state. A fresh database yields a zero state.
func (r *Repository) Load(_ context.Context) (*State, error) {
	total, holdings, err := r.shares.Load()
	if err != nil {
		return nil, err
	}
	allocs, err := r.weights.Load()
	if err != nil {
		return nil, err
	}

	st := &State{
		TotalShares:   total,
		Holdings:      holdings,
		FullHoldings:  true,
		Weights:       allocs,
		Idle:          domain.Zero,
		Reserved:      domain.Zero,
		Distributions: make(map[domain.SourceID]domain.Amount),
	}

	if st.Idle, err = r.loadAmount(idleKey); err != nil {
		return nil, err
	}
	if st.Reserved, err = r.loadAmount(reservedKey); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(`SELECT source, amount FROM source_distributions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source, amount string
		if err := rows.Scan(&source, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan distribution: %w", err)
		}
		v, err := domain.ParseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt distribution for %s: %w", source, err)
		}
		st.Distributions[domain.SourceID(source)] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating distributions: %w", err)
	}

	r.log.Debug().Int("holders", len(holdings)).Str("idle", st.Idle.String()).Msg("Loaded vault state")
	return st, nil
}

// loadAmount reads one vault_state amount; a missing key is zero
func (r *Repository) loadAmount(key string) (domain.Amount, error) {
	var raw string
	err := r.db.QueryRow(`SELECT value FROM vault_state WHERE key = ?`, key).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		return domain.Zero, nil
	case err != nil:
		return domain.Zero, fmt.Errorf("failed to load %s: %w", key, err)
	}
	v, err := domain.ParseAmount(raw)
	if err != nil {
		return domain.Zero, fmt.Errorf("corrupt %s: %w", key, err)
	}
	return v, nil
}

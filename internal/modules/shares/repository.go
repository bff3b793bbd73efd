package shares

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/rs/zerolog"
)

const totalSharesKey = "total_shares"

// Repository persists share balances
// Database: ledger.db (share_balances, vault_state tables)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new share repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "shares").Logger(),
	}
}

// SaveTx writes the total supply and the given holdings inside tx.
// Zero holdings are deleted.
func (r *Repository) SaveTx(tx *sql.Tx, total domain.Amount, changed []domain.Holding) error {
	now := time.Now().Unix()

	_, err := tx.Exec(`
		INSERT INTO vault_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, totalSharesKey, total.String(), now)
	if err != nil {
		return fmt.Errorf("failed to save total supply: %w", err)
	}

	for _, h := range changed {
		if h.Shares.IsZero() {
			if _, err := tx.Exec(`DELETE FROM share_balances WHERE holder = ?`, string(h.Holder)); err != nil {
				return fmt.Errorf("failed to delete balance of %s: %w", h.Holder, err)
			}
			continue
		}
		_, err := tx.Exec(`
			INSERT INTO share_balances (holder, shares, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(holder) DO UPDATE SET shares = excluded.shares, updated_at = excluded.updated_at
		`, string(h.Holder), h.Shares.String(), now)
		if err != nil {
			return fmt.Errorf("failed to save balance of %s: %w", h.Holder, err)
		}
	}
	return nil
}

// Load reads the total supply and every holding
func (r *Repository) Load() (domain.Amount, []domain.Holding, error) {
	total := domain.Zero

	var raw string
	err := r.db.QueryRow(`SELECT value FROM vault_state WHERE key = ?`, totalSharesKey).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return domain.Zero, nil, fmt.Errorf("failed to load total supply: %w", err)
	default:
		if total, err = domain.ParseAmount(raw); err != nil {
			return domain.Zero, nil, fmt.Errorf("corrupt total supply: %w", err)
		}
	}

	rows, err := r.db.Query(`SELECT holder, shares FROM share_balances ORDER BY holder`)
	if err != nil {
		return domain.Zero, nil, fmt.Errorf("failed to query share balances: %w", err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		var holder, shares string
		if err := rows.Scan(&holder, &shares); err != nil {
			return domain.Zero, nil, fmt.Errorf("failed to scan share balance: %w", err)
		}
		amount, err := domain.ParseAmount(shares)
		if err != nil {
			return domain.Zero, nil, fmt.Errorf("corrupt balance for %s: %w", holder, err)
		}
		holdings = append(holdings, domain.Holding{Holder: domain.Address(holder), Shares: amount})
	}
	if err := rows.Err(); err != nil {
		return domain.Zero, nil, fmt.Errorf("error iterating share balances: %w", err)
	}

	r.log.Debug().Int("holders", len(holdings)).Str("total", total.String()).Msg("Loaded share ledger")
	return total, holdings, nil
}

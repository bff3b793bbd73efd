package weights

import (
	"database/sql"
	"fmt"

	"github.com/aristath/vault/internal/domain"
	"github.com/rs/zerolog"
)

// Repository persists the weight table
// Database: ledger.db (source_weights table)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new weights repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "weights").Logger(),
	}
}

// SaveTx replaces the stored table inside tx
func (r *Repository) SaveTx(tx *sql.Tx, entries []domain.Allocation) error {
	if _, err := tx.Exec(`DELETE FROM source_weights`); err != nil {
		return fmt.Errorf("failed to clear source weights: %w", err)
	}
	for i, e := range entries {
		_, err := tx.Exec(`INSERT INTO source_weights (source, weight_bps, position) VALUES (?, ?, ?)`,
			string(e.Source), int(e.Weight), i)
		if err != nil {
			return fmt.Errorf("failed to save weight for %s: %w", e.Source, err)
		}
	}
	return nil
}

// Load returns the stored table in position order. An empty result means
// nothing was saved yet.
func (r *Repository) Load() ([]domain.Allocation, error) {
	rows, err := r.db.Query(`SELECT source, weight_bps FROM source_weights ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source weights: %w", err)
	}
	defer rows.Close()

	var entries []domain.Allocation
	for rows.Next() {
		var (
			source string
			weight int
		)
		if err := rows.Scan(&source, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan source weight: %w", err)
		}
		entries = append(entries, domain.Allocation{Source: domain.SourceID(source), Weight: uint16(weight)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source weights: %w", err)
	}
	return entries, nil
}

package snapshots

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/rs/zerolog"
)

// Repository handles snapshot database operations
// Database: history.db (vault_snapshots table)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new snapshot repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "snapshots").Logger(),
	}
}

// Insert stores a snapshot and returns its id
func (r *Repository) Insert(s *Snapshot) (int64, error) {
	balances := make(map[string]string, len(s.SourceBalances))
	for id, v := range s.SourceBalances {
		balances[string(id)] = v.String()
	}
	encoded, err := json.Marshal(balances)
	if err != nil {
		return 0, fmt.Errorf("failed to encode source balances: %w", err)
	}

	res, err := r.db.Exec(`
		INSERT INTO vault_snapshots (recorded_at, total_assets, total_shares, idle, share_price, source_balances)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.RecordedAt.Unix(), s.TotalAssets.String(), s.TotalShares.String(), s.Idle.String(), s.SharePrice, string(encoded))
	if err != nil {
		return 0, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return res.LastInsertId()
}

// Since returns snapshots recorded at or after since, oldest first. A
// positive limit keeps only the most recent limit rows.
func (r *Repository) Since(since time.Time, limit int) ([]Snapshot, error) {
	query := `
		SELECT id, recorded_at, total_assets, total_shares, idle, share_price, source_balances
		FROM (
			SELECT * FROM vault_snapshots WHERE recorded_at >= ?
			ORDER BY recorded_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY recorded_at ASC, id ASC
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.Query(query, since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// Latest returns the most recent snapshot, or nil when none exist
func (r *Repository) Latest() (*Snapshot, error) {
	row := r.db.QueryRow(`
		SELECT id, recorded_at, total_assets, total_shares, idle, share_price, source_balances
		FROM vault_snapshots
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// DeleteBefore removes snapshots older than cutoff and returns how many went
func (r *Repository) DeleteBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM vault_snapshots WHERE recorded_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Pruned old snapshots")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		s                          Snapshot
		recordedAt                 int64
		assets, supply, idle, bals string
	)
	if err := row.Scan(&s.ID, &recordedAt, &assets, &supply, &idle, &s.SharePrice, &bals); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	s.RecordedAt = time.Unix(recordedAt, 0).UTC()

	var err error
	if s.TotalAssets, err = domain.ParseAmount(assets); err != nil {
		return nil, fmt.Errorf("corrupt total_assets in snapshot %d: %w", s.ID, err)
	}
	if s.TotalShares, err = domain.ParseAmount(supply); err != nil {
		return nil, fmt.Errorf("corrupt total_shares in snapshot %d: %w", s.ID, err)
	}
	if s.Idle, err = domain.ParseAmount(idle); err != nil {
		return nil, fmt.Errorf("corrupt idle in snapshot %d: %w", s.ID, err)
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(bals), &raw); err != nil {
		return nil, fmt.Errorf("corrupt source_balances in snapshot %d: %w", s.ID, err)
	}
	s.SourceBalances = make(map[domain.SourceID]domain.Amount, len(raw))
	for id, v := range raw {
		amount, err := domain.ParseAmount(v)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for %s in snapshot %d: %w", id, s.ID, err)
		}
		s.SourceBalances[domain.SourceID(id)] = amount
	}
	return &s, nil
}

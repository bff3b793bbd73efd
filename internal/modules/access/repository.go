package access

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/rs/zerolog"
)

// State is the persisted gate configuration
type State struct {
	Owner     domain.Address
	Paused    bool
	Whitelist []domain.Address
}

// Repository persists access control state
// Database: ledger.db (access_settings, access_whitelist tables)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new access repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "access").Logger(),
	}
}

// Load reads owner, pause flag and whitelist
func (r *Repository) Load(ctx context.Context) (*State, error) {
	state := &State{}

	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM access_settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query access settings: %w", err)
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan access setting: %w", err)
		}
		switch key {
		case "owner":
			state.Owner = domain.Address(value)
		case "paused":
			state.Paused = value == "true"
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating access settings: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `SELECT address FROM access_whitelist ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query whitelist: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		state.Whitelist = append(state.Whitelist, domain.Address(addr))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating whitelist: %w", err)
	}
	return state, nil
}

// SaveOwner records the owner address
func (r *Repository) SaveOwner(ctx context.Context, owner domain.Address) error {
	return r.setSetting(ctx, "owner", string(owner))
}

// SetPaused records the pause flag
func (r *Repository) SetPaused(ctx context.Context, paused bool) error {
	value := "false"
	if paused {
		value = "true"
	}
	return r.setSetting(ctx, "paused", value)
}

// SetWhitelisted adds or removes a whitelist row
func (r *Repository) SetWhitelisted(ctx context.Context, addr domain.Address, allowed bool) error {
	var err error
	if allowed {
		_, err = r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO access_whitelist (address, added_at) VALUES (?, ?)`,
			string(addr), time.Now().Unix())
	} else {
		_, err = r.db.ExecContext(ctx, `DELETE FROM access_whitelist WHERE address = ?`, string(addr))
	}
	if err != nil {
		return fmt.Errorf("failed to update whitelist for %s: %w", addr, err)
	}
	return nil
}

func (r *Repository) setSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to save access setting %s: %w", key, err)
	}
	return nil
}

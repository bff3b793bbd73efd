// Package di provides dependency injection wiring and initialization.
package di

import (
	"errors"

	"github.com/aristath/vault/internal/database"
	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/modules/access"
	"github.com/aristath/vault/internal/modules/custody"
	"github.com/aristath/vault/internal/modules/simulation"
	"github.com/aristath/vault/internal/modules/snapshots"
	"github.com/aristath/vault/internal/modules/sources"
	"github.com/aristath/vault/internal/modules/swap"
	"github.com/aristath/vault/internal/modules/vault"
	"github.com/aristath/vault/internal/reliability"
	"github.com/aristath/vault/internal/scheduler"
)

// Container holds all dependencies for the application.
//
// Databases:
//   - ledger.db: shares, weights, access state, engine accounting, event journal
//   - history.db: share-price snapshots
//   - simulation.db: state of the in-process collaborators
type Container struct {
	LedgerDB     *database.DB
	HistoryDB    *database.DB
	SimulationDB *database.DB

	EventBus     *events.Bus
	EventManager *events.Manager
	Journal      *events.Journal

	AccessRepo   *access.Repository
	VaultRepo    *vault.Repository
	SnapshotRepo *snapshots.Repository

	// Simulated collaborators
	Book            *custody.Book
	Sources         *sources.Registry
	Venue           *swap.Venue
	SimulationStore *simulation.Store

	Gate            *access.Gate
	Engine          *vault.Engine
	SnapshotService *snapshots.Service
	BackupService   *reliability.BackupService // nil when no bucket is configured

	Scheduler *scheduler.Scheduler
}

// JobInstances holds the registered jobs for manual triggering
type JobInstances struct {
	Snapshot    *scheduler.SnapshotJob
	Keeper      *scheduler.KeeperJob // nil unless KEEPER_ENABLED
	Maintenance *reliability.MaintenanceJob
	Backup      *scheduler.BackupJob // nil unless a bucket is configured
}

// Databases returns the open databases in ledger, history, simulation order
func (c *Container) Databases() []*database.DB {
	var out []*database.DB
	for _, db := range []*database.DB{c.LedgerDB, c.HistoryDB, c.SimulationDB} {
		if db != nil {
			out = append(out, db)
		}
	}
	return out
}

// Close closes every open database
func (c *Container) Close() error {
	var errs []error
	for _, db := range c.Databases() {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package di

import (
	"fmt"

	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/modules/access"
	"github.com/aristath/vault/internal/modules/simulation"
	"github.com/aristath/vault/internal/modules/snapshots"
	"github.com/aristath/vault/internal/modules/vault"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates the data access layer and the event plumbing
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil || container.LedgerDB == nil {
		return fmt.Errorf("container databases must be initialized first")
	}

	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)
	container.Journal = events.NewJournal(container.LedgerDB.Conn(), log)
	container.Journal.Attach(container.EventBus)

	container.AccessRepo = access.NewRepository(container.LedgerDB.Conn(), log)
	container.VaultRepo = vault.NewRepository(container.LedgerDB.Conn(), log)
	container.SnapshotRepo = snapshots.NewRepository(container.HistoryDB.Conn(), log)
	container.SimulationStore = simulation.NewStore(container.SimulationDB.Conn(), log)

	log.Info().Msg("Repositories initialized")
	return nil
}

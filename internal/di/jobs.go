package di

import (
	"fmt"
	"time"

	"github.com/aristath/vault/internal/config"
	"github.com/aristath/vault/internal/database"
	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/reliability"
	"github.com/aristath/vault/internal/scheduler"
	"github.com/rs/zerolog"
)

// maintenanceCron runs integrity checks, WAL truncation and VACUUM daily
const maintenanceCron = "0 30 4 * * *"

// RegisterJobs creates the scheduler and registers every enabled job.
// The scheduler is not started.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil || container.Engine == nil {
		return nil, fmt.Errorf("container services must be initialized first")
	}

	sched := scheduler.New(log)
	container.Scheduler = sched
	instances := &JobInstances{}

	retention := time.Duration(cfg.Scheduler.SnapshotRetentionDays) * 24 * time.Hour
	instances.Snapshot = scheduler.NewSnapshotJob(container.SnapshotService, retention, log)
	if err := sched.AddJob(cfg.Scheduler.SnapshotCron, instances.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to register snapshot job: %w", err)
	}

	if cfg.Scheduler.KeeperEnabled {
		minOut, err := domain.ParseAmount(cfg.Scheduler.KeeperMinOut)
		if err != nil {
			return nil, fmt.Errorf("invalid keeper min out: %w", err)
		}
		instances.Keeper = scheduler.NewKeeperJob(container.Engine, container.Gate.Owner, minOut, log)
		if err := sched.AddJob(cfg.Scheduler.KeeperCron, instances.Keeper); err != nil {
			return nil, fmt.Errorf("failed to register keeper job: %w", err)
		}
	}

	// The ledger is never vacuumed in place; history and simulation are.
	instances.Maintenance = reliability.NewMaintenanceJob(
		container.Databases(),
		[]string{database.NameHistory, database.NameSimulation},
		cfg.DataDir,
		log,
	)
	if err := sched.AddJob(maintenanceCron, instances.Maintenance); err != nil {
		return nil, fmt.Errorf("failed to register maintenance job: %w", err)
	}

	if container.BackupService != nil {
		instances.Backup = scheduler.NewBackupJob(container.BackupService, cfg.Backup.RetentionDays, log)
		if err := sched.AddJob(cfg.Backup.Cron, instances.Backup); err != nil {
			return nil, fmt.Errorf("failed to register backup job: %w", err)
		}
	}

	log.Info().Int("jobs", len(sched.Status())).Msg("Jobs registered")
	return instances, nil
}

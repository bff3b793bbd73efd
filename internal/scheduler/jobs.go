package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/modules/snapshots"
	"github.com/aristath/vault/internal/modules/vault"
	"github.com/aristath/vault/internal/reliability"
	"github.com/rs/zerolog"
)

// jobTimeout bounds a single run of a job that talks to the engine or the network
const jobTimeout = 5 * time.Minute

// SnapshotJob records a share-price snapshot and prunes old history
type SnapshotJob struct {
	service   *snapshots.Service
	retention time.Duration
	log       zerolog.Logger
}

// NewSnapshotJob creates a snapshot job. A zero retention keeps everything.
func NewSnapshotJob(service *snapshots.Service, retention time.Duration, log zerolog.Logger) *SnapshotJob {
	return &SnapshotJob{
		service:   service,
		retention: retention,
		log:       log.With().Str("job", "snapshot").Logger(),
	}
}

// Name returns the job name
func (j *SnapshotJob) Name() string {
	return "snapshot"
}

// Run executes the snapshot job
func (j *SnapshotJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := j.service.Record(ctx); err != nil {
		return err
	}
	if j.retention > 0 {
		if _, err := j.service.Prune(j.retention); err != nil {
			j.log.Warn().Err(err).Msg("Failed to prune snapshots")
		}
	}
	return nil
}

// Redepositor is the engine operation the keeper drives
type Redepositor interface {
	ReDepositIdle(ctx context.Context, caller domain.Address, minAssetsOut domain.Amount) (*vault.RedepositResult, error)
}

// KeeperJob deploys idle underlying on behalf of the owner
type KeeperJob struct {
	engine Redepositor
	owner  func() domain.Address
	minOut domain.Amount
	log    zerolog.Logger
}

// NewKeeperJob creates a keeper job. owner is read on every run so an
// ownership change takes effect without a restart.
func NewKeeperJob(engine Redepositor, owner func() domain.Address, minOut domain.Amount, log zerolog.Logger) *KeeperJob {
	return &KeeperJob{
		engine: engine,
		owner:  owner,
		minOut: minOut,
		log:    log.With().Str("job", "keeper").Logger(),
	}
}

// Name returns the job name
func (j *KeeperJob) Name() string {
	return "keeper"
}

// Run executes the keeper job. Nothing idle and a paused vault are not failures.
func (j *KeeperJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	res, err := j.engine.ReDepositIdle(ctx, j.owner(), j.minOut)
	switch {
	case errors.Is(err, domain.ErrZeroAmount):
		j.log.Debug().Msg("Nothing idle to deploy")
		return nil
	case errors.Is(err, domain.ErrPaused):
		j.log.Info().Msg("Vault paused, keeper skipped")
		return nil
	case err != nil:
		return err
	}

	j.log.Info().
		Str("deployed", res.Deployed.String()).
		Str("absorbed", res.Absorbed.String()).
		Str("residual", res.Residual.String()).
		Msg("Idle funds deployed")
	return nil
}

// BackupJob uploads a database backup and rotates old archives
type BackupJob struct {
	service       *reliability.BackupService
	retentionDays int
	log           zerolog.Logger
}

// NewBackupJob creates a backup job
func NewBackupJob(service *reliability.BackupService, retentionDays int, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		service:       service,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "backup").Logger(),
	}
}

// Name returns the job name
func (j *BackupJob) Name() string {
	return "backup"
}

// Run executes the backup job
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := j.service.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	if _, err := j.service.RotateOldBackups(ctx, j.retentionDays); err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

package di

import (
	"context"
	"fmt"

	"github.com/aristath/vault/internal/config"
	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/modules/access"
	"github.com/aristath/vault/internal/modules/custody"
	"github.com/aristath/vault/internal/modules/snapshots"
	"github.com/aristath/vault/internal/modules/sources"
	"github.com/aristath/vault/internal/modules/swap"
	"github.com/aristath/vault/internal/modules/vault"
	"github.com/aristath/vault/internal/reliability"
	"github.com/rs/zerolog"
)

// Simulation store keys
const (
	custodyStateKey = "custody"
	swapStateKey    = "swap"
	sourceKeyPrefix = "source/"
)

// InitializeServices builds the collaborators, access gate, engine and
// snapshot service, then restores their persisted state.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.EventManager == nil {
		return fmt.Errorf("container repositories must be initialized first")
	}

	account := domain.Address(cfg.Vault.Account)
	underlying := domain.Token(cfg.Vault.Underlying)

	file, err := sources.LoadFile(cfg.Vault.SourcesFile)
	if err != nil {
		return err
	}

	container.Book = custody.NewBook(log)
	container.Sources, err = sources.Build(file, account, underlying, container.Book, log)
	if err != nil {
		return fmt.Errorf("failed to build sources: %w", err)
	}
	container.Venue = swap.NewVenue(container.Book, account, underlying, file.SwapFeeBps, log)

	store := container.SimulationStore
	store.Register(custodyStateKey, container.Book)
	store.Register(swapStateKey, container.Venue)
	for id, part := range container.Sources.Stateful() {
		store.Register(sourceKeyPrefix+string(id), part)
	}
	if _, err := store.Load(); err != nil {
		return fmt.Errorf("failed to restore simulation state: %w", err)
	}

	// Configured prices win over stored ones.
	for _, p := range file.Prices {
		if err := container.Venue.SetPrice(domain.Token(p.Token), swap.Price{Numerator: p.Numerator, Denominator: p.Denominator}); err != nil {
			return fmt.Errorf("invalid swap price: %w", err)
		}
	}

	container.Gate = access.NewGate(domain.Address(cfg.Vault.Owner), container.AccessRepo, container.EventManager, log)
	if err := container.Gate.Load(ctx); err != nil {
		return err
	}
	owner := container.Gate.Owner()
	for _, addr := range cfg.Vault.Whitelist {
		if container.Gate.IsWhitelisted(domain.Address(addr)) {
			continue
		}
		if err := container.Gate.SetWhitelisted(ctx, owner, domain.Address(addr), true); err != nil {
			return fmt.Errorf("failed to whitelist %s: %w", addr, err)
		}
	}

	container.Engine, err = vault.NewEngine(vault.Config{
		Account:       account,
		Underlying:    underlying,
		ShareToken:    domain.Token(cfg.Vault.ShareToken),
		Name:          cfg.Vault.Name,
		Symbol:        cfg.Vault.Symbol,
		DustPerSource: domain.NewAmount(cfg.Vault.DustPerSource),
	}, vault.Deps{
		Sources: container.Sources.Adapters(),
		Weights: file.Allocations(),
		Reward:  container.Sources.Reward(),
		Swapper: container.Venue,
		Quoter:  container.Venue,
		Custody: container.Book,
		Gate:    container.Gate,
		Store:   container.VaultRepo,
		Events:  container.EventManager,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create vault engine: %w", err)
	}
	if err := container.Engine.Load(ctx); err != nil {
		return err
	}

	// Persist collaborator balances only once the engine's own state is loaded.
	store.Attach(container.EventBus)

	container.SnapshotService = snapshots.NewService(container.Engine, container.SnapshotRepo, container.EventManager, log)

	if cfg.Backup.Enabled() {
		client, err := reliability.NewS3Client(ctx, reliability.S3Config{
			Bucket:          cfg.Backup.Bucket,
			Endpoint:        cfg.Backup.Endpoint,
			Region:          cfg.Backup.Region,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create backup client: %w", err)
		}
		container.BackupService = reliability.NewBackupService(container.Databases(), client, cfg.DataDir, log)
	}

	log.Info().
		Str("owner", string(owner)).
		Int("sources", len(file.Sources)).
		Bool("backups", container.BackupService != nil).
		Msg("Services initialized")
	return nil
}

package snapshots

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/modules/vault"
	"github.com/rs/zerolog"
)

// SummaryProvider is the slice of the vault engine the recorder reads
type SummaryProvider interface {
	Summary(ctx context.Context) (*vault.Summary, error)
}

// Service records snapshots and serves history and analytics
type Service struct {
	vault  SummaryProvider
	repo   *Repository
	events *events.Manager
	now    func() time.Time
	log    zerolog.Logger
}

// NewService creates a new snapshot service. eventManager may be nil.
func NewService(provider SummaryProvider, repo *Repository, eventManager *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		vault:  provider,
		repo:   repo,
		events: eventManager,
		now:    time.Now,
		log:    log.With().Str("service", "snapshots").Logger(),
	}
}

// SetClock replaces the wall clock used to stamp snapshots
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Record reads the vault summary and stores it as a snapshot
func (s *Service) Record(ctx context.Context) (*Snapshot, error) {
	summary, err := s.vault.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault summary: %w", err)
	}

	snap := &Snapshot{
		RecordedAt:     s.now().UTC().Truncate(time.Second),
		TotalAssets:    summary.TotalAssets,
		TotalShares:    summary.TotalShares,
		Idle:           summary.Idle,
		SharePrice:     SharePrice(summary.TotalAssets, summary.TotalShares),
		SourceBalances: make(map[domain.SourceID]domain.Amount, len(summary.Sources)),
	}
	for _, b := range summary.Sources {
		snap.SourceBalances[b.Source] = b.Balance
	}

	id, err := s.repo.Insert(snap)
	if err != nil {
		return nil, err
	}
	snap.ID = id

	s.log.Info().
		Int64("id", id).
		Str("total_assets", snap.TotalAssets.String()).
		Str("total_shares", snap.TotalShares.String()).
		Float64("share_price", snap.SharePrice).
		Msg("Snapshot recorded")

	if s.events != nil {
		s.events.Emit("snapshots", &events.SnapshotRecordedData{
			TotalAssets: snap.TotalAssets.String(),
			TotalShares: snap.TotalShares.String(),
			SharePrice:  snap.SharePrice,
		})
	}
	return snap, nil
}

// History returns snapshots from the last window, oldest first
func (s *Service) History(window time.Duration, limit int) ([]Snapshot, error) {
	return s.repo.Since(s.since(window), limit)
}

// Latest returns the most recent snapshot, or nil
func (s *Service) Latest() (*Snapshot, error) {
	return s.repo.Latest()
}

// Analytics computes yield statistics over the last window
func (s *Service) Analytics(window time.Duration, emaPeriod int) (*Analytics, error) {
	snaps, err := s.repo.Since(s.since(window), 0)
	if err != nil {
		return nil, err
	}
	return Analyze(snaps, emaPeriod), nil
}

// Prune deletes snapshots older than retention
func (s *Service) Prune(retention time.Duration) (int64, error) {
	return s.repo.DeleteBefore(s.now().Add(-retention))
}

func (s *Service) since(window time.Duration) time.Time {
	if window <= 0 {
		return time.Unix(0, 0)
	}
	return s.now().Add(-window)
}

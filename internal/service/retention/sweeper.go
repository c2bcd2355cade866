package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/cannalonga/pagedeploy/internal/repository"
	"github.com/cannalonga/pagedeploy/internal/storage"
)

const (
	defaultInterval = time.Hour
	defaultKeep     = 5
	sweepTimeout    = 2 * time.Minute
	sweepBatchSize  = 50
)

// Sweeper deletes stored artifacts for deployments that have fallen out of
// the retention window. Only the bucket objects are removed; deployment
// records stay so history and metrics remain complete. Versions referenced by
// a rollback are never purged.
type Sweeper struct {
	retention repository.RetentionRepository
	provider  storage.Provider
	logger    *slog.Logger

	interval time.Duration
	keep     int

	now func() time.Time
}

// New constructs an artifact sweeper. It returns nil when retention is
// disabled (keep <= 0).
func New(retention repository.RetentionRepository, provider storage.Provider, logger *slog.Logger, keep int, interval time.Duration) *Sweeper {
	if retention == nil || provider == nil || keep <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "retention")
	}
	return &Sweeper{
		retention: retention,
		provider:  provider,
		logger:    logger,
		interval:  interval,
		keep:      keep,
		now:       time.Now,
	}
}

// Run executes the sweep loop until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retention sweeper started", "interval", s.interval, "keep", s.keep)
	s.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.runIteration(ctx)
		}
	}
}

func (s *Sweeper) runIteration(parent context.Context) {
	timeout := sweepTimeout
	if s.interval > 0 && s.interval < timeout {
		timeout = s.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	purged, failed := s.sweep(opCtx)
	if purged > 0 || failed > 0 {
		s.logger.Info("retention sweep finished", "purged", purged, "failed", failed)
	}
}

// sweep purges one batch of expired versions and returns how many succeeded
// and how many failed. A failed deletion is left unmarked so the next
// iteration retries it.
func (s *Sweeper) sweep(ctx context.Context) (purged, failed int) {
	expired, err := s.retention.ListExpiredVersions(ctx, s.keep, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list expired versions", "error", err)
		return 0, 0
	}

	for _, dep := range expired {
		target := storage.UploadTarget{TenantID: dep.TenantID, PageID: dep.PageID, Version: dep.Version}
		if err := s.provider.DeleteVersion(ctx, target); err != nil {
			s.logger.Warn("failed to delete version artifacts",
				"deployment_id", dep.ID,
				"version", dep.Version,
				"error", err,
			)
			failed++
			continue
		}
		if err := s.retention.MarkArtifactsPurged(ctx, dep.ID, s.now().UTC()); err != nil {
			// The objects are gone; a missing mark only costs a
			// redundant delete next iteration.
			s.logger.Warn("failed to mark artifacts purged", "deployment_id", dep.ID, "error", err)
			failed++
			continue
		}
		purged++
		s.logger.Info("version artifacts purged",
			"deployment_id", dep.ID,
			"tenant_id", dep.TenantID,
			"page_id", dep.PageID,
			"version", dep.Version,
		)
	}
	return purged, failed
}

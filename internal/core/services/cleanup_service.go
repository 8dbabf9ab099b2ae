package services

import (
	"context"
	"time"

	"github.com/wphive/backend/internal/config"
	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

// CleanupService prunes terminal installations and jobs past the retention
// window. It runs as a background ticker alongside the worker pool.
type CleanupService struct {
	installations ports.InstallationRepository
	jobs          ports.JobRepository
	cfg           config.QueueConfig
	log           *logger.Logger
}

func NewCleanupService(installations ports.InstallationRepository, jobs ports.JobRepository, cfg config.QueueConfig, log *logger.Logger) *CleanupService {
	return &CleanupService{installations: installations, jobs: jobs, cfg: cfg, log: log}
}

// Start blocks until ctx is cancelled, running one sweep per interval.
func (s *CleanupService) Start(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Infow("cleanup_started", "interval", interval, "retention", s.cfg.Retention)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *CleanupService) sweep(ctx context.Context) {
	staleClaim := s.cfg.StaleClaim
	if staleClaim <= 0 {
		staleClaim = 15 * time.Minute
	}
	// Jobs claimed by a worker that died come back to the queue first, so
	// the same sweep that prunes old work also unsticks live work.
	if _, err := s.jobs.ReclaimStale(ctx, time.Now().UTC().Add(-staleClaim)); err != nil {
		s.log.Errorw("cleanup_reclaim_failed", "error", err)
	}

	retention := s.cfg.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	jobsDeleted, err := s.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.log.Errorw("cleanup_jobs_failed", "error", err)
	}

	installationsDeleted, err := s.installations.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.log.Errorw("cleanup_installations_failed", "error", err)
	}

	var logsTruncated int64
	if s.cfg.MaxLogsPerRun > 0 {
		logsTruncated, err = s.installations.TruncateLogs(ctx, s.cfg.MaxLogsPerRun)
		if err != nil {
			s.log.Errorw("cleanup_log_truncate_failed", "error", err)
		}
	}

	if jobsDeleted > 0 || installationsDeleted > 0 || logsTruncated > 0 {
		s.log.Infow("cleanup_swept",
			"cutoff", cutoff,
			"jobs_deleted", jobsDeleted,
			"installations_deleted", installationsDeleted,
			"logs_truncated", logsTruncated,
		)
	}
}

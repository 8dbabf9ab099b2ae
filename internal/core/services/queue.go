package services

import (
	"context"
	"time"

	"github.com/wphive/backend/internal/config"
	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

type jobQueue struct {
	jobs ports.JobRepository
	cfg  config.QueueConfig
	log  *logger.Logger
}

// NewJobQueue returns the durable queue: enqueue writes a job row, the
// worker pool polls for claimable rows. A job survives process restarts.
func NewJobQueue(jobs ports.JobRepository, cfg config.QueueConfig, log *logger.Logger) ports.JobQueue {
	return &jobQueue{jobs: jobs, cfg: cfg, log: log}
}

func (q *jobQueue) Enqueue(ctx context.Context, installationID, ownerID uint) (*domain.Job, error) {
	job := &domain.Job{
		InstallationID: installationID,
		OwnerID:        ownerID,
		Status:         domain.JobStatusQueued,
		MaxAttempts:    q.cfg.MaxAttempts,
		RunAfter:       time.Now().UTC(),
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		q.log.Errorw("job_enqueue_failed", "installation_id", installationID, "error", err)
		return nil, err
	}
	q.log.Infow("job_enqueued", "job_id", job.ID, "installation_id", installationID)
	return job, nil
}

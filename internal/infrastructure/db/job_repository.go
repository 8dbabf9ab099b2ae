package db

import (
	"context"
	"errors"
	"time"

	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type jobRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepository(db *gorm.DB, log *logger.Logger) ports.JobRepository {
	return &jobRepository{db: db, log: log}
}

// claimLock adds row locking where the dialect supports it. SQLite (used by
// the test suites) serializes writers anyway.
func claimLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}

func (r *jobRepository) Create(ctx context.Context, job *domain.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		r.log.Errorw("job_repo_create_failed", "installation_id", job.InstallationID, "error", err)
		return err
	}
	r.log.Infow("job_repo_create_ok", "id", job.ID, "installation_id", job.InstallationID)
	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, id uint) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepository) GetByInstallationID(ctx context.Context, installationID uint) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Where("installation_id = ?", installationID).
		Order("id DESC").
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimNext claims the oldest runnable queued job inside one transaction so
// that concurrent workers never pick the same job.
func (r *jobRepository) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.Job, error) {
	var claimed *domain.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.Job
		err := claimLock(tx).
			Where("status = ? AND run_after <= ?", domain.JobStatusQueued, now).
			Order("id ASC").
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		job.Status = domain.JobStatusRunning
		job.Attempts++
		job.LockedBy = workerID
		job.LockedAt = &now
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		r.log.Errorw("job_repo_claim_failed", "worker", workerID, "error", err)
		return nil, err
	}
	if claimed != nil {
		r.log.Infow("job_repo_claim_ok", "id", claimed.ID, "worker", workerID, "attempt", claimed.Attempts)
	}
	return claimed, nil
}

func (r *jobRepository) Update(ctx context.Context, job *domain.Job) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		r.log.Errorw("job_repo_update_failed", "id", job.ID, "error", err)
		return err
	}
	return nil
}

func (r *jobRepository) Requeue(ctx context.Context, id uint, delay time.Duration, lastError string) error {
	updates := map[string]interface{}{
		"status":    domain.JobStatusQueued,
		"run_after": time.Now().Add(delay),
		"error":     lastError,
		"locked_by": "",
		"locked_at": nil,
	}
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		r.log.Errorw("job_repo_requeue_failed", "id", id, "error", err)
		return err
	}
	r.log.Infow("job_repo_requeue_ok", "id", id, "delay", delay)
	return nil
}

// ReclaimStale releases claims left behind by workers that died without
// finishing or giving the job back.
func (r *jobRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", domain.JobStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":    domain.JobStatusQueued,
			"run_after": time.Now(),
			"error":     "claim reclaimed from stale worker",
			"locked_by": "",
			"locked_at": nil,
		})
	if result.Error != nil {
		r.log.Errorw("job_repo_reclaim_failed", "error", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		r.log.Warnw("job_repo_reclaimed_stale", "count", result.RowsAffected, "cutoff", cutoff)
	}
	return result.RowsAffected, nil
}

func (r *jobRepository) MarkCancelledByInstallation(ctx context.Context, installationID uint) error {
	nonTerminal := []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning}
	err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("installation_id = ? AND status IN ?", installationID, nonTerminal).
		Update("status", domain.JobStatusCancelled).Error
	if err != nil {
		r.log.Errorw("job_repo_cancel_failed", "installation_id", installationID, "error", err)
	}
	return err
}

func (r *jobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	terminal := []domain.JobStatus{
		domain.JobStatusCompleted,
		domain.JobStatusFailed,
		domain.JobStatusCancelled,
	}
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminal, cutoff).
		Delete(&domain.Job{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

package db

import (
	"context"
	"time"

	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type installationRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewInstallationRepository(db *gorm.DB, log *logger.Logger) ports.InstallationRepository {
	return &installationRepository{db: db, log: log}
}

func (r *installationRepository) Create(ctx context.Context, installation *domain.Installation) error {
	if err := r.db.WithContext(ctx).Create(installation).Error; err != nil {
		r.log.Errorw("installation_repo_create_failed", "host", installation.Host, "error", err)
		return err
	}
	r.log.Infow("installation_repo_create_ok", "id", installation.ID, "host", installation.Host)
	return nil
}

func (r *installationRepository) GetByID(ctx context.Context, id uint) (*domain.Installation, error) {
	var installation domain.Installation
	if err := r.db.WithContext(ctx).First(&installation, id).Error; err != nil {
		return nil, err
	}
	return &installation, nil
}

func (r *installationRepository) GetByIDForOwner(ctx context.Context, ownerID, id uint) (*domain.Installation, error) {
	var installation domain.Installation
	err := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&installation).Error
	if err != nil {
		return nil, err
	}
	return &installation, nil
}

func (r *installationRepository) GetByToken(ctx context.Context, token string) (*domain.Installation, error) {
	var installation domain.Installation
	err := r.db.WithContext(ctx).
		Where("access_token = ?", token).
		First(&installation).Error
	if err != nil {
		return nil, err
	}
	return &installation, nil
}

func (r *installationRepository) Update(ctx context.Context, installation *domain.Installation) error {
	if err := r.db.WithContext(ctx).Save(installation).Error; err != nil {
		r.log.Errorw("installation_repo_update_failed", "id", installation.ID, "error", err)
		return err
	}
	return nil
}

func (r *installationRepository) UpdateStatus(ctx context.Context, id uint, status domain.InstallationStatus) error {
	if err := r.db.WithContext(ctx).Model(&domain.Installation{}).
		Where("id = ?", id).
		Update("status", status).Error; err != nil {
		r.log.Errorw("installation_repo_update_status_failed", "id", id, "status", status, "error", err)
		return err
	}
	r.log.Infow("installation_repo_update_status_ok", "id", id, "status", status)
	return nil
}

func (r *installationRepository) UpdateProgress(ctx context.Context, id uint, progress int, currentStep string) error {
	updates := map[string]interface{}{
		"progress":     progress,
		"current_step": currentStep,
	}
	if err := r.db.WithContext(ctx).Model(&domain.Installation{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		r.log.Errorw("installation_repo_update_progress_failed", "id", id, "error", err)
		return err
	}
	return nil
}

func (r *installationRepository) UpdateSteps(ctx context.Context, id uint, steps domain.StepList) error {
	if err := r.db.WithContext(ctx).Model(&domain.Installation{}).
		Where("id = ?", id).
		Update("steps", steps).Error; err != nil {
		r.log.Errorw("installation_repo_update_steps_failed", "id", id, "error", err)
		return err
	}
	return nil
}

func (r *installationRepository) MarkTokenUsed(ctx context.Context, token string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.Installation{}).
		Where("access_token = ? AND token_used = ?", token, false).
		Update("token_used", true)
	if result.Error != nil {
		r.log.Errorw("installation_repo_mark_token_used_failed", "error", result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *installationRepository) AppendLog(ctx context.Context, entry *domain.InstallationLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		r.log.Errorw("installation_repo_append_log_failed", "installation_id", entry.InstallationID, "error", err)
		return err
	}
	return nil
}

func (r *installationRepository) ListLogs(ctx context.Context, installationID uint, level domain.LogLevel, limit, offset int) ([]domain.InstallationLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.InstallationLog{}).
		Where("installation_id = ?", installationID)
	if level != "" {
		query = query.Where("level = ?", level)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []domain.InstallationLog
	err := query.Order("id ASC").Limit(limit).Offset(offset).Find(&logs).Error
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (r *installationRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	terminal := []domain.InstallationStatus{
		domain.InstallationStatusCompleted,
		domain.InstallationStatusFailed,
		domain.InstallationStatusCancelled,
	}

	var ids []uint
	if err := r.db.WithContext(ctx).Model(&domain.Installation{}).
		Where("status IN ? AND updated_at < ?", terminal, cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := r.db.WithContext(ctx).
		Where("installation_id IN ?", ids).
		Delete(&domain.InstallationLog{}).Error; err != nil {
		return 0, err
	}

	result := r.db.WithContext(ctx).Delete(&domain.Installation{}, ids)
	if result.Error != nil {
		return 0, result.Error
	}
	r.log.Infow("installation_repo_prune_ok", "count", result.RowsAffected)
	return result.RowsAffected, nil
}

func (r *installationRepository) TruncateLogs(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	var overgrown []uint
	if err := r.db.WithContext(ctx).Model(&domain.InstallationLog{}).
		Select("installation_id").
		Group("installation_id").
		Having("COUNT(*) > ?", keep).
		Pluck("installation_id", &overgrown).Error; err != nil {
		return 0, err
	}

	var total int64
	for _, id := range overgrown {
		// The keep-th newest row is the floor; everything older goes.
		var floor domain.InstallationLog
		if err := r.db.WithContext(ctx).
			Where("installation_id = ?", id).
			Order("id DESC").
			Offset(keep - 1).
			First(&floor).Error; err != nil {
			return total, err
		}

		result := r.db.WithContext(ctx).
			Where("installation_id = ? AND id < ?", id, floor.ID).
			Delete(&domain.InstallationLog{})
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
	}

	if total > 0 {
		r.log.Infow("installation_repo_logs_truncated", "count", total, "keep", keep)
	}
	return total, nil
}

package db

import (
	"github.com/wphive/backend/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Installation{},
		&domain.InstallationLog{},
		&domain.Job{},
	)
	if err != nil {
		return err
	}

	return createCustomIndexes(db)
}

func createCustomIndexes(db *gorm.DB) error {
	// The worker claim query scans queued jobs by schedule time.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_claimable
		ON jobs (status, run_after)
		WHERE deleted_at IS NULL
	`).Error; err != nil {
		return err
	}

	// Log pagination is always per installation, newest-last.
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_installation_logs_page
		ON installation_logs (installation_id, id)
	`).Error
}

package db

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

var dbCounter int64

// RepositoryTestSuite is the shared base of the repository suites; each test
// gets a fresh in-memory database.
type RepositoryTestSuite struct {
	suite.Suite
	db               *gorm.DB
	ctx              context.Context
	installationRepo ports.InstallationRepository
	jobRepo          ports.JobRepository
}

func (s *RepositoryTestSuite) SetupTest() {
	// A named shared-cache DSN keeps every pooled connection on the same
	// in-memory database.
	dsn := fmt.Sprintf("file:repotest%d?mode=memory&cache=shared", atomic.AddInt64(&dbCounter, 1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(s.T(), err, "failed to create in-memory database")

	err = database.AutoMigrate(&domain.Installation{}, &domain.InstallationLog{}, &domain.Job{})
	require.NoError(s.T(), err, "failed to run migrations")

	log := logger.NewNop()
	s.db = database
	s.installationRepo = NewInstallationRepository(database, log)
	s.jobRepo = NewJobRepository(database, log)
	s.ctx = context.Background()
}

func (s *RepositoryTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func (s *RepositoryTestSuite) createTestInstallation() *domain.Installation {
	installation := &domain.Installation{
		OwnerID:        1,
		AccessToken:    fmt.Sprintf("token-%d", time.Now().UnixNano()),
		TokenExpiresAt: time.Now().Add(time.Hour),
		Host:           "203.0.113.10",
		SSHPort:        22,
		SSHUser:        "root",
		Domain:         "blog.example.com",
		EncryptedAuth:  "opaque",
		Status:         domain.InstallationStatusStarted,
		Steps: domain.StepList{
			{ID: "preflight", Name: "Preflight checks", Status: domain.StepStatusPending},
			{ID: "wordpress", Name: "Install WordPress", Status: domain.StepStatusPending},
		},
	}
	s.Require().NoError(s.installationRepo.Create(s.ctx, installation))
	return installation
}

func (s *RepositoryTestSuite) createTestJob(installationID uint) *domain.Job {
	job := &domain.Job{
		InstallationID: installationID,
		OwnerID:        1,
		Status:         domain.JobStatusQueued,
		MaxAttempts:    3,
		RunAfter:       time.Now().Add(-time.Minute),
	}
	s.Require().NoError(s.jobRepo.Create(s.ctx, job))
	return job
}

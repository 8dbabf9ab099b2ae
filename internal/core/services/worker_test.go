package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wphive/backend/internal/config"
	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/core/provision"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/db"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

// syncSink persists events inline, standing in for the broadcaster loop.
type syncSink struct {
	sink *RecordSink
}

func (s *syncSink) Emit(event domain.Event) {
	s.sink.Persist(context.Background(), event)
}

type WorkerPoolTestSuite struct {
	suite.Suite
	db      *gorm.DB
	ctx     context.Context
	repo    ports.InstallationRepository
	jobs    ports.JobRepository
	service ports.InstallationService
	pool    *WorkerPool
}

func TestWorkerPool(t *testing.T) {
	suite.Run(t, new(WorkerPoolTestSuite))
}

func (s *WorkerPoolTestSuite) SetupTest() {
	dsn := fmt.Sprintf("file:workertest%d?mode=memory&cache=shared", atomic.AddInt64(&dbCounter, 1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(s.T(), err)
	require.NoError(s.T(), database.AutoMigrate(&domain.Installation{}, &domain.InstallationLog{}, &domain.Job{}))

	log := logger.NewNop()
	s.db = database
	s.ctx = context.Background()
	s.repo = db.NewInstallationRepository(database, log)
	s.jobs = db.NewJobRepository(database, log)

	queueCfg := config.QueueConfig{Concurrency: 1, StartsPerMinute: 600, MaxAttempts: 3, PollInterval: 10 * time.Millisecond}
	queue := NewJobQueue(s.jobs, queueCfg, log)
	registry := provision.NewRegistry()

	s.service = NewInstallationService(InstallationServiceConfig{
		Repository:    s.repo,
		Jobs:          s.jobs,
		Queue:         queue,
		Channels:      registry,
		Logger:        log,
		EncryptionKey: testEncryptionKey,
		TokenTTL:      time.Hour,
	})

	provisionerCfg := config.ProvisionerConfig{
		ConnectTimeout: 2 * time.Second,
		MaxAttempts:    1,
		BaseDelay:      time.Millisecond,
	}
	controller := provision.NewController(provision.RetryPolicy{
		MaxAttempts: provisionerCfg.MaxAttempts,
		BaseDelay:   provisionerCfg.BaseDelay,
	}, provision.NewRunner(log), registry, log)

	s.pool = NewWorkerPool(
		s.service,
		s.repo,
		s.jobs,
		NewScriptService(log, "http://localhost:8080"),
		controller,
		&syncSink{sink: NewRecordSink(s.service, log)},
		provisionerCfg,
		queueCfg,
		log,
	)
}

func (s *WorkerPoolTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func (s *WorkerPoolTestSuite) submitUnreachable() *domain.Installation {
	// The discard port on loopback refuses immediately; no SSH daemon here.
	installation, err := s.service.Submit(s.ctx, ports.SubmitInput{
		OwnerID: 1,
		Host:    "127.0.0.1",
		SSHPort: 9,
		SSHUser: "root",
		Domain:  "blog.example.com",
		Credentials: ports.Credentials{
			User:     "root",
			Password: "hunter2",
		},
	})
	s.Require().NoError(err)
	return installation
}

func (s *WorkerPoolTestSuite) claim() *domain.Job {
	job, err := s.jobs.ClaimNext(s.ctx, "test-worker", time.Now())
	s.Require().NoError(err)
	s.Require().NotNil(job)
	return job
}

func (s *WorkerPoolTestSuite) TestProcessFailsWhenHostUnreachable() {
	installation := s.submitUnreachable()
	job := s.claim()

	s.pool.process(s.ctx, job)

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.Require().NoError(err)
	s.Equal(domain.InstallationStatusFailed, stored.Status)
	s.NotEmpty(stored.FailureReason)
	s.NotNil(stored.StartedAt)

	// Connecting never got far enough to run a step.
	for _, step := range stored.Steps {
		s.NotEqual(domain.StepStatusCompleted, step.Status)
	}

	finished, err := s.jobs.GetByID(s.ctx, job.ID)
	s.NoError(err)
	s.Equal(domain.JobStatusFailed, finished.Status)
	s.NotEmpty(finished.Error)
}

func (s *WorkerPoolTestSuite) TestProcessSkipsCancelledInstallation() {
	installation := s.submitUnreachable()
	job := s.claim()

	// MarkCancelledByInstallation already flipped the claimed job; reset it
	// to running to simulate a cancel racing an in-flight claim.
	s.Require().NoError(s.service.Cancel(s.ctx, installation.OwnerID, installation.ID))
	job.Status = domain.JobStatusRunning
	s.Require().NoError(s.jobs.Update(s.ctx, job))

	s.pool.process(s.ctx, job)

	finished, err := s.jobs.GetByID(s.ctx, job.ID)
	s.NoError(err)
	s.Equal(domain.JobStatusCancelled, finished.Status)

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.NoError(err)
	s.Equal(domain.InstallationStatusCancelled, stored.Status)
}

func (s *WorkerPoolTestSuite) TestProcessRequeuesWhenRecordUnavailable() {
	installation := s.submitUnreachable()
	job := s.claim()

	// Hard-delete the record so loading it fails before any connection.
	s.Require().NoError(s.db.Unscoped().Delete(&domain.Installation{}, installation.ID).Error)

	s.pool.process(s.ctx, job)

	requeued, err := s.jobs.GetByID(s.ctx, job.ID)
	s.NoError(err)
	s.Equal(domain.JobStatusQueued, requeued.Status)
	s.NotEmpty(requeued.Error)
	s.Equal(1, requeued.Attempts)
}

func (s *WorkerPoolTestSuite) TestProcessFailsAfterQueueBudget() {
	installation := s.submitUnreachable()
	s.Require().NoError(s.db.Unscoped().Delete(&domain.Installation{}, installation.ID).Error)

	// Burn the queue-level attempt budget, collapsing the requeue backoff.
	var last *domain.Job
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.db.Model(&domain.Job{}).
			Where("installation_id = ?", installation.ID).
			Update("run_after", time.Now().Add(-time.Minute)).Error)
		last = s.claim()
		s.pool.process(s.ctx, last)
	}

	finished, err := s.jobs.GetByID(s.ctx, last.ID)
	s.NoError(err)
	s.Equal(domain.JobStatusFailed, finished.Status)
}

func (s *WorkerPoolTestSuite) TestSuccessResultShape() {
	installation := s.submitUnreachable()
	installation.GeneratedAdminPassword = "s3cret"

	result := s.pool.successResult(installation)
	s.Equal("http://blog.example.com", result["site_url"])
	s.Equal("http://blog.example.com/wp-admin", result["admin_url"])
	s.Equal("admin", result["admin_user"])
	s.Equal("s3cret", result["admin_password"])

	installation.Options = domain.JSONB{"enable_ssl": true}
	result = s.pool.successResult(installation)
	s.Equal("https://blog.example.com", result["site_url"])
}

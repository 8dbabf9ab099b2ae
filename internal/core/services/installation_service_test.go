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

const testEncryptionKey = "test-encryption-key"

var dbCounter int64

type InstallationServiceTestSuite struct {
	suite.Suite
	db      *gorm.DB
	ctx     context.Context
	repo    ports.InstallationRepository
	jobs    ports.JobRepository
	service ports.InstallationService
}

func TestInstallationService(t *testing.T) {
	suite.Run(t, new(InstallationServiceTestSuite))
}

func (s *InstallationServiceTestSuite) SetupTest() {
	dsn := fmt.Sprintf("file:svctest%d?mode=memory&cache=shared", atomic.AddInt64(&dbCounter, 1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(s.T(), err, "failed to create in-memory database")
	require.NoError(s.T(), database.AutoMigrate(&domain.Installation{}, &domain.InstallationLog{}, &domain.Job{}))

	log := logger.NewNop()
	s.db = database
	s.ctx = context.Background()
	s.repo = db.NewInstallationRepository(database, log)
	s.jobs = db.NewJobRepository(database, log)

	queue := NewJobQueue(s.jobs, config.QueueConfig{MaxAttempts: 3}, log)
	s.service = NewInstallationService(InstallationServiceConfig{
		Repository:    s.repo,
		Jobs:          s.jobs,
		Queue:         queue,
		Channels:      provision.NewRegistry(),
		Logger:        log,
		EncryptionKey: testEncryptionKey,
		TokenTTL:      time.Hour,
	})
}

func (s *InstallationServiceTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func (s *InstallationServiceTestSuite) submitInput() ports.SubmitInput {
	return ports.SubmitInput{
		OwnerID: 1,
		Host:    "203.0.113.10",
		SSHPort: 22,
		SSHUser: "root",
		Domain:  "blog.example.com",
		Credentials: ports.Credentials{
			User:     "root",
			Password: "hunter2",
		},
	}
}

func (s *InstallationServiceTestSuite) submit() *domain.Installation {
	installation, err := s.service.Submit(s.ctx, s.submitInput())
	s.Require().NoError(err)
	return installation
}

// ==================== Submission ====================

func (s *InstallationServiceTestSuite) TestSubmitCreatesRecordAndJob() {
	installation := s.submit()

	s.NotZero(installation.ID)
	s.Equal(domain.InstallationStatusStarted, installation.Status)
	s.NotEmpty(installation.AccessToken)
	s.False(installation.TokenUsed)

	// Credentials are stored encrypted only.
	s.NotEmpty(installation.EncryptedAuth)
	s.NotContains(installation.EncryptedAuth, "hunter2")

	// The step plan is visible immediately, all pending.
	s.Require().NotEmpty(installation.Steps)
	for _, step := range installation.Steps {
		s.Equal(domain.StepStatusPending, step.Status)
	}

	job, err := s.jobs.GetByInstallationID(s.ctx, installation.ID)
	s.NoError(err)
	s.Equal(domain.JobStatusQueued, job.Status)
	s.Equal(3, job.MaxAttempts)
}

func (s *InstallationServiceTestSuite) TestSubmitValidation() {
	cases := []struct {
		name    string
		mutate  func(*ports.SubmitInput)
		wantErr error
	}{
		{"empty host", func(in *ports.SubmitInput) { in.Host = "" }, ErrInvalidHost},
		{"garbage host", func(in *ports.SubmitInput) { in.Host = "not a host!" }, ErrInvalidHost},
		{"bad domain", func(in *ports.SubmitInput) { in.Domain = "no_dots" }, ErrInvalidDomain},
		{"no credentials", func(in *ports.SubmitInput) { in.Credentials = ports.Credentials{User: "root"} }, ErrMissingCredentials},
	}

	for _, tc := range cases {
		input := s.submitInput()
		tc.mutate(&input)
		_, err := s.service.Submit(s.ctx, input)
		s.ErrorIs(err, tc.wantErr, tc.name)
	}
}

func (s *InstallationServiceTestSuite) TestCredentialsRoundTrip() {
	installation := s.submit()

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.Require().NoError(err)

	creds, err := s.service.Credentials(stored)
	s.NoError(err)
	s.Equal("root", creds.User)
	s.Equal("hunter2", creds.Password)
}

// ==================== Tokens ====================

func (s *InstallationServiceTestSuite) TestConsumeTokenExactlyOnce() {
	installation := s.submit()

	consumed, err := s.service.ConsumeToken(s.ctx, installation.AccessToken)
	s.NoError(err)
	s.Equal(installation.ID, consumed.ID)

	_, err = s.service.ConsumeToken(s.ctx, installation.AccessToken)
	s.ErrorIs(err, ErrTokenUsed)
}

func (s *InstallationServiceTestSuite) TestConsumeTokenUnknown() {
	_, err := s.service.ConsumeToken(s.ctx, "nope")
	s.ErrorIs(err, ErrTokenNotFound)
}

func (s *InstallationServiceTestSuite) TestConsumeTokenExpired() {
	installation := s.submit()

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.Require().NoError(err)
	stored.TokenExpiresAt = time.Now().Add(-time.Minute)
	s.Require().NoError(s.repo.Update(s.ctx, stored))

	_, err = s.service.ConsumeToken(s.ctx, installation.AccessToken)
	s.ErrorIs(err, ErrTokenExpired)

	// Expiry never consumes the token flag.
	fresh, err := s.repo.GetByID(s.ctx, installation.ID)
	s.NoError(err)
	s.False(fresh.TokenUsed)
}

func (s *InstallationServiceTestSuite) TestProgressByToken() {
	installation := s.submit()

	s.NoError(s.service.ProgressByToken(s.ctx, installation.AccessToken, "dependencies", "Installing packages", 30))

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.Require().NoError(err)
	step, ok := stored.FindStep("dependencies")
	s.Require().True(ok)
	s.Equal(domain.StepStatusRunning, step.Status)
	s.Equal(30, step.Progress)

	s.NoError(s.service.ProgressByToken(s.ctx, installation.AccessToken, "dependencies", "done", 100))
	stored, err = s.repo.GetByID(s.ctx, installation.ID)
	s.Require().NoError(err)
	step, _ = stored.FindStep("dependencies")
	s.Equal(domain.StepStatusCompleted, step.Status)
}

func (s *InstallationServiceTestSuite) TestProgressByTokenAfterTerminal() {
	installation := s.submit()
	s.Require().NoError(s.service.MarkCompleted(s.ctx, installation.ID, nil))

	err := s.service.ProgressByToken(s.ctx, installation.AccessToken, "dependencies", "late", 50)
	s.ErrorIs(err, ErrInstallationTerminal)
}

// ==================== Step updates ====================

func (s *InstallationServiceTestSuite) TestUpdateStepLifecycle() {
	installation := s.submit()

	s.NoError(s.service.UpdateStep(s.ctx, installation.ID, "preflight", domain.StepStatusRunning, 0, ""))
	stored, _ := s.repo.GetByID(s.ctx, installation.ID)
	step, ok := stored.FindStep("preflight")
	s.Require().True(ok)
	s.Equal(domain.StepStatusRunning, step.Status)
	s.Require().NotNil(step.StartedAt)
	started := *step.StartedAt

	s.NoError(s.service.UpdateStep(s.ctx, installation.ID, "preflight", domain.StepStatusCompleted, 25, "ok"))
	stored, _ = s.repo.GetByID(s.ctx, installation.ID)
	step, _ = stored.FindStep("preflight")
	s.Equal(domain.StepStatusCompleted, step.Status)
	s.NotNil(step.CompletedAt)
	s.Equal(25, stored.Progress)
	s.Equal("preflight", stored.CurrentStep)

	// A completed step never reverts to running, and its timestamps stay.
	s.NoError(s.service.UpdateStep(s.ctx, installation.ID, "preflight", domain.StepStatusRunning, 0, ""))
	stored, _ = s.repo.GetByID(s.ctx, installation.ID)
	step, _ = stored.FindStep("preflight")
	s.Equal(domain.StepStatusCompleted, step.Status)
	s.Equal(started.Unix(), step.StartedAt.Unix())

	// No duplicate entries were created along the way.
	seen := map[string]int{}
	for _, st := range stored.Steps {
		seen[st.ID]++
	}
	for id, n := range seen {
		s.Equal(1, n, "step %s duplicated", id)
	}
}

func (s *InstallationServiceTestSuite) TestUpdateStepUpsertsUnknownStep() {
	installation := s.submit()

	before, _ := s.repo.GetByID(s.ctx, installation.ID)
	s.NoError(s.service.UpdateStep(s.ctx, installation.ID, "custom", domain.StepStatusRunning, 0, "extra work"))

	stored, _ := s.repo.GetByID(s.ctx, installation.ID)
	s.Len(stored.Steps, len(before.Steps)+1)
	step, ok := stored.FindStep("custom")
	s.Require().True(ok)
	s.Equal(domain.StepStatusRunning, step.Status)
}

func (s *InstallationServiceTestSuite) TestUpdateStepAfterTerminal() {
	installation := s.submit()
	s.Require().NoError(s.service.MarkFailed(s.ctx, installation.ID, "gave up"))

	err := s.service.UpdateStep(s.ctx, installation.ID, "preflight", domain.StepStatusRunning, 0, "")
	s.ErrorIs(err, ErrInstallationTerminal)
}

// ==================== Terminal transitions ====================

func (s *InstallationServiceTestSuite) TestMarkCompletedIsIdempotent() {
	installation := s.submit()

	result := domain.JSONB{"site_url": "http://blog.example.com"}
	s.NoError(s.service.MarkCompleted(s.ctx, installation.ID, result))
	s.NoError(s.service.MarkCompleted(s.ctx, installation.ID, domain.JSONB{"site_url": "http://other.example.com"}))
	s.NoError(s.service.MarkFailed(s.ctx, installation.ID, "too late"))

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.NoError(err)
	s.Equal(domain.InstallationStatusCompleted, stored.Status)
	s.Equal(100, stored.Progress)
	s.Equal("http://blog.example.com", stored.Result["site_url"])
	s.Empty(stored.FailureReason)
}

func (s *InstallationServiceTestSuite) TestCancel() {
	installation := s.submit()

	s.NoError(s.service.Cancel(s.ctx, installation.OwnerID, installation.ID))

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.NoError(err)
	s.Equal(domain.InstallationStatusCancelled, stored.Status)
	s.NotNil(stored.CompletedAt)

	// The queued job is withdrawn along with the record.
	job, err := s.jobs.GetByInstallationID(s.ctx, installation.ID)
	s.NoError(err)
	s.Equal(domain.JobStatusCancelled, job.Status)

	s.ErrorIs(s.service.Cancel(s.ctx, installation.OwnerID, installation.ID), ErrInstallationTerminal)

	cancelled, err := s.service.IsCancelled(s.ctx, installation.ID)
	s.NoError(err)
	s.True(cancelled)
}

func (s *InstallationServiceTestSuite) TestCancelScopedToOwner() {
	installation := s.submit()
	s.ErrorIs(s.service.Cancel(s.ctx, 999, installation.ID), ErrInstallationNotFound)
}

// ==================== Logs ====================

func (s *InstallationServiceTestSuite) TestListLogsClampsLimit() {
	installation := s.submit()
	for i := 0; i < 3; i++ {
		s.service.AddLog(s.ctx, installation.ID, domain.LogLevelInfo, fmt.Sprintf("line %d", i), "")
	}

	logs, total, err := s.service.ListLogs(s.ctx, installation.OwnerID, installation.ID, "", 0, 0)
	s.NoError(err)
	s.EqualValues(3, total)
	s.Len(logs, 3)

	logs, _, err = s.service.ListLogs(s.ctx, installation.OwnerID, installation.ID, "", 2, 0)
	s.NoError(err)
	s.Len(logs, 2)

	_, _, err = s.service.ListLogs(s.ctx, 999, installation.ID, "", 0, 0)
	s.ErrorIs(err, ErrInstallationNotFound)
}

// ==================== Event sink ====================

func (s *InstallationServiceTestSuite) TestRecordSinkPersistsEvents() {
	installation := s.submit()
	sink := NewRecordSink(s.service, logger.NewNop())

	sink.Persist(s.ctx, domain.NewStepStartEvent(installation.ID, "preflight", "System preflight checks"))
	sink.Persist(s.ctx, domain.NewOutputEvent(installation.ID, "preflight", "Linux web1"))
	sink.Persist(s.ctx, domain.NewStepCompleteEvent(installation.ID, "preflight", "System preflight checks", 25, ""))
	sink.Persist(s.ctx, domain.NewDoneEvent(installation.ID, true, domain.JSONB{"site_url": "http://blog.example.com"}, ""))

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.Require().NoError(err)
	s.Equal(domain.InstallationStatusCompleted, stored.Status)
	s.Equal("http://blog.example.com", stored.Result["site_url"])

	step, ok := stored.FindStep("preflight")
	s.Require().True(ok)
	s.Equal(domain.StepStatusCompleted, step.Status)

	logs, total, err := s.service.ListLogs(s.ctx, installation.OwnerID, installation.ID, "", 0, 0)
	s.NoError(err)
	s.EqualValues(2, total) // start line + output line
	s.Equal("Linux web1", logs[1].Message)
	s.Equal("preflight", logs[1].Step)
}

func (s *InstallationServiceTestSuite) TestRecordSinkFailureEvent() {
	installation := s.submit()
	sink := NewRecordSink(s.service, logger.NewNop())

	sink.Persist(s.ctx, domain.NewStepErrorEvent(installation.ID, "wordpress", "Install WordPress", "exit code 1: mysql not ready"))
	sink.Persist(s.ctx, domain.NewDoneEvent(installation.ID, false, nil, "step wordpress failed: mysql not ready"))

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.Require().NoError(err)
	s.Equal(domain.InstallationStatusFailed, stored.Status)
	s.Contains(stored.FailureReason, "mysql not ready")

	step, ok := stored.FindStep("wordpress")
	s.Require().True(ok)
	s.Equal(domain.StepStatusError, step.Status)
}

func (s *InstallationServiceTestSuite) TestRecordSinkCancelledEventLeavesRecordAlone() {
	installation := s.submit()
	s.Require().NoError(s.service.Cancel(s.ctx, installation.OwnerID, installation.ID))

	sink := NewRecordSink(s.service, logger.NewNop())
	sink.Persist(s.ctx, domain.NewCancelledEvent(installation.ID))

	stored, err := s.repo.GetByID(s.ctx, installation.ID)
	s.Require().NoError(err)
	s.Equal(domain.InstallationStatusCancelled, stored.Status)
	s.Empty(stored.FailureReason)
}

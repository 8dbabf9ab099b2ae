package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/wphive/backend/internal/domain"
)

type InstallationRepositoryTestSuite struct {
	RepositoryTestSuite
}

func TestInstallationRepository(t *testing.T) {
	suite.Run(t, new(InstallationRepositoryTestSuite))
}

func (s *InstallationRepositoryTestSuite) TestCreateAndGetByID() {
	original := s.createTestInstallation()
	s.NotZero(original.ID)

	found, err := s.installationRepo.GetByID(s.ctx, original.ID)
	s.NoError(err)
	s.Equal(original.Host, found.Host)
	s.Equal(original.Domain, found.Domain)
	s.Len(found.Steps, 2)
	s.Equal(domain.StepStatusPending, found.Steps[0].Status)
}

func (s *InstallationRepositoryTestSuite) TestGetByIDForOwner() {
	original := s.createTestInstallation()

	found, err := s.installationRepo.GetByIDForOwner(s.ctx, original.OwnerID, original.ID)
	s.NoError(err)
	s.Equal(original.ID, found.ID)

	_, err = s.installationRepo.GetByIDForOwner(s.ctx, 999, original.ID)
	s.Error(err)
}

func (s *InstallationRepositoryTestSuite) TestGetByToken() {
	original := s.createTestInstallation()

	found, err := s.installationRepo.GetByToken(s.ctx, original.AccessToken)
	s.NoError(err)
	s.Equal(original.ID, found.ID)

	_, err = s.installationRepo.GetByToken(s.ctx, "no-such-token")
	s.Error(err)
}

func (s *InstallationRepositoryTestSuite) TestMarkTokenUsedOnlyOnce() {
	installation := s.createTestInstallation()

	ok, err := s.installationRepo.MarkTokenUsed(s.ctx, installation.AccessToken)
	s.NoError(err)
	s.True(ok)

	// The second consumer must lose.
	ok, err = s.installationRepo.MarkTokenUsed(s.ctx, installation.AccessToken)
	s.NoError(err)
	s.False(ok)

	ok, err = s.installationRepo.MarkTokenUsed(s.ctx, "no-such-token")
	s.NoError(err)
	s.False(ok)
}

func (s *InstallationRepositoryTestSuite) TestUpdateSteps() {
	installation := s.createTestInstallation()

	steps := installation.Steps
	steps[0].Status = domain.StepStatusCompleted
	steps[0].Progress = 100
	s.NoError(s.installationRepo.UpdateSteps(s.ctx, installation.ID, steps))

	found, err := s.installationRepo.GetByID(s.ctx, installation.ID)
	s.NoError(err)
	s.Equal(domain.StepStatusCompleted, found.Steps[0].Status)
	s.Equal(100, found.Steps[0].Progress)
	s.Equal(domain.StepStatusPending, found.Steps[1].Status)
}

func (s *InstallationRepositoryTestSuite) TestUpdateProgress() {
	installation := s.createTestInstallation()

	s.NoError(s.installationRepo.UpdateProgress(s.ctx, installation.ID, 40, "wordpress"))

	found, err := s.installationRepo.GetByID(s.ctx, installation.ID)
	s.NoError(err)
	s.Equal(40, found.Progress)
	s.Equal("wordpress", found.CurrentStep)
}

func (s *InstallationRepositoryTestSuite) TestLogsAppendAndPagination() {
	installation := s.createTestInstallation()

	for i := 0; i < 5; i++ {
		level := domain.LogLevelInfo
		if i == 4 {
			level = domain.LogLevelError
		}
		s.NoError(s.installationRepo.AppendLog(s.ctx, &domain.InstallationLog{
			InstallationID: installation.ID,
			Level:          level,
			Message:        "line",
		}))
	}

	logs, total, err := s.installationRepo.ListLogs(s.ctx, installation.ID, "", 2, 0)
	s.NoError(err)
	s.EqualValues(5, total)
	s.Len(logs, 2)
	s.Less(logs[0].ID, logs[1].ID)

	logs, total, err = s.installationRepo.ListLogs(s.ctx, installation.ID, "", 2, 4)
	s.NoError(err)
	s.EqualValues(5, total)
	s.Len(logs, 1)

	logs, total, err = s.installationRepo.ListLogs(s.ctx, installation.ID, domain.LogLevelError, 10, 0)
	s.NoError(err)
	s.EqualValues(1, total)
	s.Len(logs, 1)
	s.Equal(domain.LogLevelError, logs[0].Level)
}

func (s *InstallationRepositoryTestSuite) TestTruncateLogsKeepsNewest() {
	noisy := s.createTestInstallation()
	quiet := s.createTestInstallation()

	for i := 0; i < 7; i++ {
		s.NoError(s.installationRepo.AppendLog(s.ctx, &domain.InstallationLog{
			InstallationID: noisy.ID,
			Level:          domain.LogLevelInfo,
			Message:        fmt.Sprintf("line %d", i),
		}))
	}
	s.NoError(s.installationRepo.AppendLog(s.ctx, &domain.InstallationLog{
		InstallationID: quiet.ID,
		Level:          domain.LogLevelInfo,
		Message:        "only",
	}))

	truncated, err := s.installationRepo.TruncateLogs(s.ctx, 3)
	s.NoError(err)
	s.EqualValues(4, truncated)

	logs, total, err := s.installationRepo.ListLogs(s.ctx, noisy.ID, "", 10, 0)
	s.NoError(err)
	s.EqualValues(3, total)
	s.Equal("line 4", logs[0].Message)
	s.Equal("line 6", logs[2].Message)

	// Installations under the cap are untouched.
	_, total, err = s.installationRepo.ListLogs(s.ctx, quiet.ID, "", 10, 0)
	s.NoError(err)
	s.EqualValues(1, total)
}

func (s *InstallationRepositoryTestSuite) TestDeleteTerminalBefore() {
	old := s.createTestInstallation()
	s.NoError(s.installationRepo.AppendLog(s.ctx, &domain.InstallationLog{
		InstallationID: old.ID,
		Level:          domain.LogLevelInfo,
		Message:        "done",
	}))
	s.NoError(s.installationRepo.UpdateStatus(s.ctx, old.ID, domain.InstallationStatusCompleted))

	active := s.createTestInstallation()

	deleted, err := s.installationRepo.DeleteTerminalBefore(s.ctx, time.Now().Add(time.Minute))
	s.NoError(err)
	s.EqualValues(1, deleted)

	_, err = s.installationRepo.GetByID(s.ctx, active.ID)
	s.NoError(err)

	// The pruned installation's logs go with it.
	logs, total, err := s.installationRepo.ListLogs(s.ctx, old.ID, "", 10, 0)
	s.NoError(err)
	s.EqualValues(0, total)
	s.Empty(logs)
}

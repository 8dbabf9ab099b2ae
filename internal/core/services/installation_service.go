package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"gorm.io/gorm"

	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/core/provision"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
	"github.com/wphive/backend/pkg/utils/crypto"
	"github.com/wphive/backend/pkg/utils/token"
)

var domainPattern = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

type InstallationServiceConfig struct {
	Repository    ports.InstallationRepository
	Jobs          ports.JobRepository
	Queue         ports.JobQueue
	Channels      *provision.Registry
	Logger        *logger.Logger
	EncryptionKey string
	TokenTTL      time.Duration
}

type installationService struct {
	repo          ports.InstallationRepository
	jobs          ports.JobRepository
	queue         ports.JobQueue
	channels      *provision.Registry
	log           *logger.Logger
	encryptionKey string
	tokenTTL      time.Duration
}

func NewInstallationService(cfg InstallationServiceConfig) ports.InstallationService {
	tokenTTL := cfg.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}
	return &installationService{
		repo:          cfg.Repository,
		jobs:          cfg.Jobs,
		queue:         cfg.Queue,
		channels:      cfg.Channels,
		log:           cfg.Logger,
		encryptionKey: cfg.EncryptionKey,
		tokenTTL:      tokenTTL,
	}
}

// ==================== Submission ====================

func (s *installationService) Submit(ctx context.Context, input ports.SubmitInput) (*domain.Installation, error) {
	if err := validateTarget(input); err != nil {
		return nil, err
	}

	encrypted, err := crypto.EncryptJSON(input.Credentials, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialEncrypt, err)
	}

	sshPort := input.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}

	installation := &domain.Installation{
		OwnerID:        input.OwnerID,
		AccessToken:    token.NewAccessToken(),
		TokenExpiresAt: time.Now().Add(s.tokenTTL),
		Host:           input.Host,
		SSHPort:        sshPort,
		SSHUser:        input.SSHUser,
		Domain:         input.Domain,
		EncryptedAuth:  encrypted,
		Options:        input.Options,
		Status:         domain.InstallationStatusStarted,
	}

	// Pre-seed the step list so clients see the full plan immediately.
	for _, step := range provision.Catalog(installation) {
		installation.Steps = append(installation.Steps, domain.InstallationStep{
			ID:     step.ID,
			Name:   step.Name,
			Status: domain.StepStatusPending,
		})
	}

	if err := s.repo.Create(ctx, installation); err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, installation.ID, installation.OwnerID); err != nil {
		// The record exists but will never run; surface that as failed.
		_ = s.MarkFailed(ctx, installation.ID, "failed to enqueue provisioning job")
		return nil, err
	}

	s.log.Infow("installation_submitted", "id", installation.ID, "host", installation.Host, "domain", installation.Domain)
	return installation, nil
}

func validateTarget(input ports.SubmitInput) error {
	if input.Host == "" {
		return ErrInvalidHost
	}
	if net.ParseIP(input.Host) == nil && !domainPattern.MatchString(input.Host) {
		return ErrInvalidHost
	}
	if !domainPattern.MatchString(input.Domain) {
		return ErrInvalidDomain
	}
	if input.Credentials.Password == "" && input.Credentials.PrivateKey == "" {
		return ErrMissingCredentials
	}
	return nil
}

// ==================== Queries ====================

func (s *installationService) GetByID(ctx context.Context, ownerID, id uint) (*domain.Installation, error) {
	installation, err := s.repo.GetByIDForOwner(ctx, ownerID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstallationNotFound
		}
		return nil, err
	}
	return installation, nil
}

func (s *installationService) ListLogs(ctx context.Context, ownerID, id uint, level domain.LogLevel, limit, offset int) ([]domain.InstallationLog, int64, error) {
	if _, err := s.GetByID(ctx, ownerID, id); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListLogs(ctx, id, level, limit, offset)
}

// ==================== Record mutation ====================

// AddLog is fail-soft: a failed log write must never abort provisioning.
func (s *installationService) AddLog(ctx context.Context, installationID uint, level domain.LogLevel, message, step string) {
	entry := &domain.InstallationLog{
		InstallationID: installationID,
		Level:          level,
		Message:        message,
		Step:           step,
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		s.log.Warnw("installation_log_write_failed", "installation_id", installationID, "error", err)
	}
}

func (s *installationService) UpdateStep(ctx context.Context, installationID uint, stepID string, status domain.StepStatus, progress int, message string) error {
	installation, err := s.repo.GetByID(ctx, installationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInstallationNotFound
		}
		return err
	}
	if installation.Status.Terminal() {
		return ErrInstallationTerminal
	}

	now := time.Now()
	steps := installation.Steps
	found := false
	for i := range steps {
		if steps[i].ID != stepID {
			continue
		}
		found = true

		// A finished step never goes back to running.
		finished := steps[i].Status == domain.StepStatusCompleted || steps[i].Status == domain.StepStatusError
		if finished && status == domain.StepStatusRunning {
			return nil
		}

		if status == domain.StepStatusRunning && steps[i].StartedAt == nil {
			steps[i].StartedAt = &now
		}
		if (status == domain.StepStatusCompleted || status == domain.StepStatusError) && steps[i].CompletedAt == nil {
			steps[i].CompletedAt = &now
		}
		steps[i].Status = status
		steps[i].Progress = clampProgress(progress)
		if message != "" {
			steps[i].Message = message
		}
		break
	}
	if !found {
		step := domain.InstallationStep{
			ID:       stepID,
			Name:     stepID,
			Status:   status,
			Progress: clampProgress(progress),
			Message:  message,
		}
		if status == domain.StepStatusRunning {
			step.StartedAt = &now
		}
		if status == domain.StepStatusCompleted || status == domain.StepStatusError {
			step.CompletedAt = &now
		}
		steps = append(steps, step)
	}

	if err := s.repo.UpdateSteps(ctx, installationID, steps); err != nil {
		return err
	}

	overall := installation.Progress
	if status == domain.StepStatusCompleted && progress > overall {
		overall = clampProgress(progress)
	}
	return s.repo.UpdateProgress(ctx, installationID, overall, stepID)
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

func (s *installationService) MarkRunning(ctx context.Context, installationID uint) error {
	installation, err := s.repo.GetByID(ctx, installationID)
	if err != nil {
		return err
	}
	if installation.Status.Terminal() {
		return ErrInstallationTerminal
	}
	if installation.Status == domain.InstallationStatusRunning {
		return nil
	}

	now := time.Now()
	installation.Status = domain.InstallationStatusRunning
	installation.StartedAt = &now
	return s.repo.Update(ctx, installation)
}

// MarkCompleted is idempotent: once a terminal state is written nothing
// changes it.
func (s *installationService) MarkCompleted(ctx context.Context, installationID uint, result domain.JSONB) error {
	installation, err := s.repo.GetByID(ctx, installationID)
	if err != nil {
		return err
	}
	if installation.Status.Terminal() {
		return nil
	}

	now := time.Now()
	installation.Status = domain.InstallationStatusCompleted
	installation.Progress = 100
	installation.Result = result
	installation.CompletedAt = &now
	if err := s.repo.Update(ctx, installation); err != nil {
		return err
	}
	s.log.Infow("installation_completed", "id", installationID)
	return nil
}

func (s *installationService) MarkFailed(ctx context.Context, installationID uint, reason string) error {
	installation, err := s.repo.GetByID(ctx, installationID)
	if err != nil {
		return err
	}
	if installation.Status.Terminal() {
		return nil
	}

	now := time.Now()
	installation.Status = domain.InstallationStatusFailed
	installation.FailureReason = reason
	installation.CompletedAt = &now
	if err := s.repo.Update(ctx, installation); err != nil {
		return err
	}
	s.log.Warnw("installation_failed", "id", installationID, "reason", reason)
	return nil
}

func (s *installationService) Cancel(ctx context.Context, ownerID, installationID uint) error {
	installation, err := s.GetByID(ctx, ownerID, installationID)
	if err != nil {
		return err
	}
	if installation.Status.Terminal() {
		return ErrInstallationTerminal
	}

	now := time.Now()
	installation.Status = domain.InstallationStatusCancelled
	installation.CompletedAt = &now
	if err := s.repo.Update(ctx, installation); err != nil {
		return err
	}

	// A still-queued job must never be claimed after this point.
	if s.jobs != nil {
		if err := s.jobs.MarkCancelledByInstallation(ctx, installationID); err != nil {
			s.log.Warnw("cancel_job_mark_failed", "id", installationID, "error", err)
		}
	}

	// Closing the open channel makes any in-flight exec fail; the retry
	// controller then observes the cancelled status and stops.
	if s.channels != nil {
		s.channels.Close(installationID)
	}

	s.AddLog(ctx, installationID, domain.LogLevelWarn, "installation cancelled by user", "")
	s.log.Infow("installation_cancelled", "id", installationID)
	return nil
}

func (s *installationService) IsCancelled(ctx context.Context, installationID uint) (bool, error) {
	installation, err := s.repo.GetByID(ctx, installationID)
	if err != nil {
		return false, err
	}
	return installation.Status == domain.InstallationStatusCancelled, nil
}

// ==================== Token operations ====================

func (s *installationService) ConsumeToken(ctx context.Context, tokenValue string) (*domain.Installation, error) {
	installation, err := s.repo.GetByToken(ctx, tokenValue)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if time.Now().After(installation.TokenExpiresAt) {
		return nil, ErrTokenExpired
	}

	used, err := s.repo.MarkTokenUsed(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	if !used {
		return nil, ErrTokenUsed
	}
	s.log.Infow("install_token_consumed", "installation_id", installation.ID)
	return installation, nil
}

// ProgressByToken applies a progress callback from the remote host running
// the delivered script, authenticated solely by token possession.
func (s *installationService) ProgressByToken(ctx context.Context, tokenValue, step, message string, progress int) error {
	installation, err := s.repo.GetByToken(ctx, tokenValue)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTokenNotFound
		}
		return err
	}
	if installation.Status.Terminal() {
		return ErrInstallationTerminal
	}

	status := domain.StepStatusRunning
	if progress >= 100 {
		status = domain.StepStatusCompleted
	}
	if err := s.UpdateStep(ctx, installation.ID, step, status, progress, message); err != nil {
		return err
	}
	if message != "" {
		s.AddLog(ctx, installation.ID, domain.LogLevelInfo, message, step)
	}
	return nil
}

// ==================== Credentials ====================

func (s *installationService) Credentials(installation *domain.Installation) (ports.Credentials, error) {
	var creds ports.Credentials
	if err := crypto.DecryptJSON(installation.EncryptedAuth, s.encryptionKey, &creds); err != nil {
		return ports.Credentials{}, fmt.Errorf("%w: %v", ErrCredentialDecrypt, err)
	}
	if creds.User == "" {
		creds.User = installation.SSHUser
	}
	return creds, nil
}

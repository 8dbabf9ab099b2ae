package ports

import (
	"context"

	"github.com/wphive/backend/internal/domain"
)

// InstallationService is the persistence contract around one installation
// record. It has no side effects beyond persistence; broadcasting is the
// caller's responsibility.
type InstallationService interface {
	Submit(ctx context.Context, input SubmitInput) (*domain.Installation, error)
	GetByID(ctx context.Context, ownerID, id uint) (*domain.Installation, error)
	ListLogs(ctx context.Context, ownerID, id uint, level domain.LogLevel, limit, offset int) ([]domain.InstallationLog, int64, error)

	// AddLog is fail-soft: persistence errors are logged, never returned as
	// fatal to in-flight provisioning.
	AddLog(ctx context.Context, installationID uint, level domain.LogLevel, message, step string)
	UpdateStep(ctx context.Context, installationID uint, stepID string, status domain.StepStatus, progress int, message string) error
	MarkRunning(ctx context.Context, installationID uint) error
	MarkCompleted(ctx context.Context, installationID uint, result domain.JSONB) error
	MarkFailed(ctx context.Context, installationID uint, reason string) error
	Cancel(ctx context.Context, ownerID, installationID uint) error
	IsCancelled(ctx context.Context, installationID uint) (bool, error)

	// One-time script token operations.
	ConsumeToken(ctx context.Context, token string) (*domain.Installation, error)
	ProgressByToken(ctx context.Context, token, step, message string, progress int) error

	Credentials(installation *domain.Installation) (Credentials, error)
}

type SubmitInput struct {
	OwnerID     uint
	Host        string
	SSHPort     int
	SSHUser     string
	Domain      string
	Credentials Credentials
	Options     domain.JSONB
}

// ScriptGenerator is the opaque templating collaborator that renders the
// shell payloads executed on the target host.
type ScriptGenerator interface {
	// InstallScript renders the standalone one-shot installer delivered via
	// the one-time token route.
	InstallScript(installation *domain.Installation) (string, error)
	// StepCommands renders the ordered commands for one named step of an
	// orchestrated run.
	StepCommands(stepID string, installation *domain.Installation) ([]string, error)
}

// JobQueue decouples HTTP submission from execution.
type JobQueue interface {
	Enqueue(ctx context.Context, installationID, ownerID uint) (*domain.Job, error)
}

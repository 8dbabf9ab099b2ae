package ports

import (
	"context"
	"time"

	"github.com/wphive/backend/internal/domain"
)

type InstallationRepository interface {
	Create(ctx context.Context, installation *domain.Installation) error
	GetByID(ctx context.Context, id uint) (*domain.Installation, error)
	GetByIDForOwner(ctx context.Context, ownerID, id uint) (*domain.Installation, error)
	GetByToken(ctx context.Context, token string) (*domain.Installation, error)
	Update(ctx context.Context, installation *domain.Installation) error
	UpdateStatus(ctx context.Context, id uint, status domain.InstallationStatus) error
	UpdateProgress(ctx context.Context, id uint, progress int, currentStep string) error
	UpdateSteps(ctx context.Context, id uint, steps domain.StepList) error
	// MarkTokenUsed flips the token-used flag; it reports true at most once
	// per token.
	MarkTokenUsed(ctx context.Context, token string) (bool, error)
	AppendLog(ctx context.Context, entry *domain.InstallationLog) error
	ListLogs(ctx context.Context, installationID uint, level domain.LogLevel, limit, offset int) ([]domain.InstallationLog, int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// TruncateLogs drops the oldest log rows of any installation holding more
	// than keep entries.
	TruncateLogs(ctx context.Context, keep int) (int64, error)
}

type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id uint) (*domain.Job, error)
	GetByInstallationID(ctx context.Context, installationID uint) (*domain.Job, error)
	// ClaimNext atomically claims the oldest runnable queued job for the
	// given worker, or returns nil when the queue is empty.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	// Requeue schedules another queue-level attempt after delay.
	Requeue(ctx context.Context, id uint, delay time.Duration, lastError string) error
	// ReclaimStale requeues running jobs whose claim predates cutoff, so a
	// crashed worker's jobs are picked up again.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	MarkCancelledByInstallation(ctx context.Context, installationID uint) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ==================== ENUMS ====================

type InstallationStatus string

const (
	InstallationStatusStarted   InstallationStatus = "started"
	InstallationStatusRunning   InstallationStatus = "running"
	InstallationStatusCompleted InstallationStatus = "completed"
	InstallationStatusFailed    InstallationStatus = "failed"
	InstallationStatusCancelled InstallationStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InstallationStatus) Terminal() bool {
	switch s {
	case InstallationStatusCompleted, InstallationStatusFailed, InstallationStatusCancelled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusError     StepStatus = "error"
)

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ==================== JSONB TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("failed to scan JSONB: invalid type")
		}
	}
	return json.Unmarshal(bytes, j)
}

// StepList is the ordered per-step state of an installation, stored as a
// single JSONB column. Step IDs are unique; updates upsert by ID.
type StepList []InstallationStep

func (l StepList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StepList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("failed to scan StepList: invalid type")
		}
	}
	return json.Unmarshal(bytes, l)
}

// ==================== ENTITIES ====================

type InstallationStep struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Installation is the durable record of one provisioning lifecycle. It is the
// sole source of truth for client-visible state; the Job only drives it.
type Installation struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	OwnerID uint `gorm:"not null;index" json:"owner_id"`

	// One-time script access token
	AccessToken    string    `gorm:"size:128;uniqueIndex;not null" json:"-"`
	TokenUsed      bool      `gorm:"default:false" json:"token_used"`
	TokenExpiresAt time.Time `json:"token_expires_at"`

	// Target host
	Host    string `gorm:"size:255;not null" json:"host"`
	SSHPort int    `gorm:"default:22" json:"ssh_port"`
	SSHUser string `gorm:"size:64" json:"ssh_user"`
	Domain  string `gorm:"size:255;not null" json:"domain"`

	// AES-GCM encrypted JSON of the submitted credentials. Never returned.
	EncryptedAuth string `gorm:"type:text" json:"-"`

	Options JSONB `gorm:"type:jsonb" json:"options"`

	Status      InstallationStatus `gorm:"size:20;not null;default:'started';index" json:"status"`
	Progress    int                `gorm:"default:0" json:"progress"`
	CurrentStep string             `gorm:"size:64" json:"current_step"`
	Steps       StepList           `gorm:"type:jsonb" json:"steps"`

	Result        JSONB  `gorm:"type:jsonb" json:"result,omitempty"`
	FailureReason string `gorm:"type:text" json:"failure_reason,omitempty"`

	// Generated per run, rendered into the install commands and the success
	// result; never persisted on its own.
	GeneratedAdminPassword string `gorm:"-" json:"-"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Logs []InstallationLog `gorm:"foreignKey:InstallationID" json:"logs,omitempty"`
}

// FindStep returns a copy of the step with the given id, if present.
func (i *Installation) FindStep(id string) (InstallationStep, bool) {
	for _, s := range i.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return InstallationStep{}, false
}

// InstallationLog is one append-only log entry for an installation.
type InstallationLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	InstallationID uint     `gorm:"not null;index" json:"installation_id"`
	Level          LogLevel `gorm:"size:10;not null;default:'info';index" json:"level"`
	Message        string   `gorm:"type:text" json:"message"`
	Step           string   `gorm:"size:64" json:"step,omitempty"`
}

// Job is the queue-level unit of work. Exactly one Job drives one
// Installation; queue state lives here, client-visible state on the
// Installation.
type Job struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	InstallationID uint `gorm:"not null;index" json:"installation_id"`
	OwnerID        uint `gorm:"not null;index" json:"owner_id"`

	Status      JobStatus `gorm:"size:20;not null;default:'queued';index" json:"status"`
	Attempts    int       `gorm:"default:0" json:"attempts"`
	MaxAttempts int       `gorm:"default:3" json:"max_attempts"`
	RunAfter    time.Time `gorm:"index" json:"run_after"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`

	LockedBy string     `gorm:"size:64" json:"-"`
	LockedAt *time.Time `json:"-"`
}

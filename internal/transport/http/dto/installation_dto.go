package dto

import (
	"net"
	"regexp"
	"time"

	"github.com/wphive/backend/internal/domain"
)

var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

type CreateInstallationRequest struct {
	Host       string       `json:"host" validate:"required"`
	SSHPort    int          `json:"ssh_port"`
	SSHUser    string       `json:"ssh_user" validate:"required"`
	Password   string       `json:"password,omitempty"`
	PrivateKey string       `json:"private_key,omitempty"`
	Domain     string       `json:"domain" validate:"required"`
	Options    domain.JSONB `json:"options,omitempty"`
}

func (r *CreateInstallationRequest) Validate() []string {
	var errors []string

	if r.Host == "" {
		errors = append(errors, "host is required")
	} else if net.ParseIP(r.Host) == nil && !domainPattern.MatchString(r.Host) {
		errors = append(errors, "host must be an IP address or hostname")
	}

	if r.SSHUser == "" {
		errors = append(errors, "ssh_user is required")
	}

	if r.Password == "" && r.PrivateKey == "" {
		errors = append(errors, "either password or private_key is required")
	}

	if r.Domain == "" {
		errors = append(errors, "domain is required")
	} else if !domainPattern.MatchString(r.Domain) {
		errors = append(errors, "domain is not a valid domain name")
	}

	return errors
}

func (r *CreateInstallationRequest) GetSSHPort() int {
	if r.SSHPort == 0 {
		return 22
	}
	return r.SSHPort
}

type InstallationResponse struct {
	ID          uint                      `json:"id"`
	Host        string                    `json:"host"`
	SSHPort     int                       `json:"ssh_port"`
	Domain      string                    `json:"domain"`
	Status      domain.InstallationStatus `json:"status"`
	Progress    int                       `json:"progress"`
	CurrentStep string                    `json:"current_step,omitempty"`
	Steps       []domain.InstallationStep `json:"steps"`
	Result      domain.JSONB              `json:"result,omitempty"`
	Error       string                    `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
}

func InstallationToResponse(installation *domain.Installation) InstallationResponse {
	steps := installation.Steps
	if steps == nil {
		steps = domain.StepList{}
	}
	return InstallationResponse{
		ID:          installation.ID,
		Host:        installation.Host,
		SSHPort:     installation.SSHPort,
		Domain:      installation.Domain,
		Status:      installation.Status,
		Progress:    installation.Progress,
		CurrentStep: installation.CurrentStep,
		Steps:       steps,
		Result:      installation.Result,
		Error:       installation.FailureReason,
		CreatedAt:   installation.CreatedAt,
		StartedAt:   installation.StartedAt,
		CompletedAt: installation.CompletedAt,
	}
}

// CreatedInstallationResponse is the 202 payload: the record plus the
// one-time script URL the caller can run on the target host.
type CreatedInstallationResponse struct {
	InstallationResponse
	InstallURL string `json:"install_url"`
}

type LogEntryResponse struct {
	ID        uint            `json:"id"`
	Level     domain.LogLevel `json:"level"`
	Message   string          `json:"message"`
	Step      string          `json:"step,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type LogsResponse struct {
	Logs   []LogEntryResponse `json:"logs"`
	Total  int64              `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func LogsToResponse(entries []domain.InstallationLog, total int64, limit, offset int) LogsResponse {
	logs := make([]LogEntryResponse, 0, len(entries))
	for _, e := range entries {
		logs = append(logs, LogEntryResponse{
			ID:        e.ID,
			Level:     e.Level,
			Message:   e.Message,
			Step:      e.Step,
			CreatedAt: e.CreatedAt,
		})
	}
	return LogsResponse{Logs: logs, Total: total, Limit: limit, Offset: offset}
}

type ProgressCallbackRequest struct {
	Token    string `json:"token" validate:"required"`
	Step     string `json:"step" validate:"required"`
	Message  string `json:"message,omitempty"`
	Progress int    `json:"progress"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

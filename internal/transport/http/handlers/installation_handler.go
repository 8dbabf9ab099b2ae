package handlers

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/core/services"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
	"github.com/wphive/backend/internal/transport/http/dto"
)

// EventEmitter feeds the live event stream; the broadcaster satisfies it.
type EventEmitter interface {
	Emit(event domain.Event)
}

type InstallationHandler struct {
	service   ports.InstallationService
	events    EventEmitter
	logger    *logger.Logger
	publicURL string
}

func NewInstallationHandler(service ports.InstallationService, events EventEmitter, publicURL string, logger *logger.Logger) *InstallationHandler {
	return &InstallationHandler{service: service, events: events, logger: logger, publicURL: publicURL}
}

// ownerID resolves the tenant of the request. The admin token gives access
// to the API; the owner header scopes which records are visible.
func ownerID(c *fiber.Ctx) uint {
	if raw := c.Get("X-Owner-ID"); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 32); err == nil && id > 0 {
			return uint(id)
		}
	}
	return 1
}

func (h *InstallationHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateInstallationRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("installation_create_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}

	if errs := req.Validate(); len(errs) > 0 {
		h.logger.Warnw("installation_create_validation_failed", "details", errs)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errs,
		})
	}

	input := ports.SubmitInput{
		OwnerID: ownerID(c),
		Host:    req.Host,
		SSHPort: req.GetSSHPort(),
		SSHUser: req.SSHUser,
		Domain:  req.Domain,
		Credentials: ports.Credentials{
			User:       req.SSHUser,
			Password:   req.Password,
			PrivateKey: req.PrivateKey,
		},
		Options: req.Options,
	}

	h.logger.Infow("installation_create_request", "host", req.Host, "domain", req.Domain)
	installation, err := h.service.Submit(c.Context(), input)
	if err != nil {
		if errors.Is(err, services.ErrInvalidHost) || errors.Is(err, services.ErrInvalidDomain) || errors.Is(err, services.ErrMissingCredentials) {
			h.logger.Warnw("installation_create_bad_request", "host", req.Host, "error", err)
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
				Error: err.Error(),
			})
		}
		h.logger.Errorw("installation_create_failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: "failed to create installation",
		})
	}

	h.logger.Infow("installation_create_success", "id", installation.ID, "host", installation.Host)
	return c.Status(fiber.StatusAccepted).JSON(dto.CreatedInstallationResponse{
		InstallationResponse: dto.InstallationToResponse(installation),
		InstallURL:           fmt.Sprintf("%s/install/%s", h.publicURL, installation.AccessToken),
	})
}

func (h *InstallationHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid installation id",
		})
	}

	installation, err := h.service.GetByID(c.Context(), ownerID(c), uint(id))
	if err != nil {
		if errors.Is(err, services.ErrInstallationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: "installation not found",
			})
		}
		h.logger.Errorw("installation_get_failed", "id", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: "failed to load installation",
		})
	}

	return c.JSON(dto.InstallationToResponse(installation))
}

func (h *InstallationHandler) Logs(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid installation id",
		})
	}

	limit := c.QueryInt("limit", 0)
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	level := domain.LogLevel(c.Query("level"))

	logs, total, err := h.service.ListLogs(c.Context(), ownerID(c), uint(id), level, limit, offset)
	if err != nil {
		if errors.Is(err, services.ErrInstallationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: "installation not found",
			})
		}
		h.logger.Errorw("installation_logs_failed", "id", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: "failed to load logs",
		})
	}

	return c.JSON(dto.LogsToResponse(logs, total, limit, offset))
}

func (h *InstallationHandler) Cancel(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid installation id",
		})
	}

	h.logger.Infow("installation_cancel_request", "id", id)
	if err := h.service.Cancel(c.Context(), ownerID(c), uint(id)); err != nil {
		switch {
		case errors.Is(err, services.ErrInstallationNotFound):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: "installation not found",
			})
		case errors.Is(err, services.ErrInstallationTerminal):
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{
				Error: "installation already finished",
			})
		default:
			h.logger.Errorw("installation_cancel_failed", "id", id, "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
				Error: "failed to cancel installation",
			})
		}
	}

	// Live subscribers need a terminal frame; the record is already
	// cancelled at this point.
	if h.events != nil {
		h.events.Emit(domain.NewCancelledEvent(uint(id)))
	}

	return c.JSON(fiber.Map{"status": "cancelled"})
}

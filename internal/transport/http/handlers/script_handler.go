package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/core/services"
	"github.com/wphive/backend/internal/infrastructure/logger"
	"github.com/wphive/backend/internal/transport/http/dto"
)

// ScriptHandler serves the one-time install script and receives the
// progress callbacks that script reports while it runs.
type ScriptHandler struct {
	service ports.InstallationService
	scripts ports.ScriptGenerator
	logger  *logger.Logger
}

func NewScriptHandler(service ports.InstallationService, scripts ports.ScriptGenerator, logger *logger.Logger) *ScriptHandler {
	return &ScriptHandler{service: service, scripts: scripts, logger: logger}
}

// GetInstallScript consumes the token and renders the installer. The token
// works exactly once: a replayed URL gets 403, an expired one 410.
func (h *ScriptHandler) GetInstallScript(c *fiber.Ctx) error {
	token := c.Params("token")

	installation, err := h.service.ConsumeToken(c.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTokenNotFound):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: "unknown install token",
			})
		case errors.Is(err, services.ErrTokenUsed):
			h.logger.Warnw("install_script_token_replayed", "token_prefix", tokenPrefix(token))
			return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{
				Error: "install token already used",
			})
		case errors.Is(err, services.ErrTokenExpired):
			return c.Status(fiber.StatusGone).JSON(dto.ErrorResponse{
				Error: "install token expired",
			})
		default:
			h.logger.Errorw("install_script_token_failed", "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
				Error: "failed to resolve install token",
			})
		}
	}

	script, err := h.scripts.InstallScript(installation)
	if err != nil {
		h.logger.Errorw("install_script_render_failed", "installation_id", installation.ID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: "failed to render install script",
		})
	}

	h.logger.Infow("install_script_delivered", "installation_id", installation.ID)
	return c.Type("text/plain").SendString(script)
}

// Progress is the token-authenticated callback the standalone installer
// posts from the target host.
func (h *ScriptHandler) Progress(c *fiber.Ctx) error {
	var req dto.ProgressCallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}
	if req.Token == "" || req.Step == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "token and step are required",
		})
	}

	err := h.service.ProgressByToken(c.Context(), req.Token, req.Step, req.Message, req.Progress)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTokenNotFound):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: "unknown install token",
			})
		case errors.Is(err, services.ErrInstallationTerminal):
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{
				Error: "installation already finished",
			})
		default:
			h.logger.Errorw("progress_callback_failed", "step", req.Step, "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
				Error: "failed to record progress",
			})
		}
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

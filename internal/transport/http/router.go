package http

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/wphive/backend/internal/config"
	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/infrastructure/logger"
	"github.com/wphive/backend/internal/realtime"
	"github.com/wphive/backend/internal/transport/http/handlers"
	httpmw "github.com/wphive/backend/internal/transport/http/middleware"
)

type RouterConfig struct {
	Config        *config.Config
	Logger        *logger.Logger
	Installations ports.InstallationService
	Scripts       ports.ScriptGenerator
	Broadcaster   *realtime.Broadcaster
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	installationHandler := handlers.NewInstallationHandler(cfg.Installations, cfg.Broadcaster, cfg.Config.Security.PublicURL, cfg.Logger)
	scriptHandler := handlers.NewScriptHandler(cfg.Installations, cfg.Scripts, cfg.Logger)
	liveHandler := handlers.NewLiveHandler(cfg.Installations, cfg.Broadcaster, cfg.Logger)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Token-authenticated routes used by the generated installer.
	app.Get("/install/:token", scriptHandler.GetInstallScript)
	app.Post("/installations/progress", scriptHandler.Progress)

	// Websocket upgrade gate
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/installations/:id", websocket.New(liveHandler.Handle))

	api := app.Group("/api/v1")

	installations := api.Group("/installations", httpmw.AdminAuth(cfg.Config))
	installations.Post("/", installationHandler.Create)
	installations.Get("/:id", installationHandler.Get)
	installations.Get("/:id/logs", installationHandler.Logs)
	installations.Post("/:id/cancel", installationHandler.Cancel)
}

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wphive/backend/internal/config"
	"github.com/wphive/backend/internal/core/provision"
	"github.com/wphive/backend/internal/core/services"
	"github.com/wphive/backend/internal/infrastructure/db"
	"github.com/wphive/backend/internal/infrastructure/logger"
	"github.com/wphive/backend/internal/realtime"
	transporthttp "github.com/wphive/backend/internal/transport/http"
)

func main() {
	configPath := "config/config.yaml"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = "../config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	database, err := db.NewPostgresConnection(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	log.Info("database connection established")

	if err := db.RunMigrations(database); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Info("database migrations completed")

	installationRepo := db.NewInstallationRepository(database, log)
	jobRepo := db.NewJobRepository(database, log)

	queue := services.NewJobQueue(jobRepo, cfg.Queue, log)
	registry := provision.NewRegistry()

	installationService := services.NewInstallationService(services.InstallationServiceConfig{
		Repository:    installationRepo,
		Jobs:          jobRepo,
		Queue:         queue,
		Channels:      registry,
		Logger:        log,
		EncryptionKey: cfg.Security.EncryptionKey,
		TokenTTL:      cfg.Provisioner.TokenTTL,
	})

	var bus *realtime.RedisBus
	if cfg.Redis.Enabled {
		bus, err = realtime.NewRedisBus(cfg.Redis, log)
		if err != nil {
			log.Warnf("redis bus disabled: %v", err)
		}
	}

	sink := services.NewRecordSink(installationService, log)
	broadcaster := realtime.NewBroadcaster(sink, bus, log)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	broadcaster.Start(rootCtx)

	scriptService := services.NewScriptService(log, cfg.Security.PublicURL)
	runner := provision.NewRunner(log)
	controller := provision.NewController(provision.RetryPolicy{
		MaxAttempts: cfg.Provisioner.MaxAttempts,
		BaseDelay:   cfg.Provisioner.BaseDelay,
		JitterMax:   cfg.Provisioner.JitterMax,
	}, runner, registry, log)

	workers := services.NewWorkerPool(
		installationService,
		installationRepo,
		jobRepo,
		scriptService,
		controller,
		broadcaster,
		cfg.Provisioner,
		cfg.Queue,
		log,
	)
	workers.Start(rootCtx)

	cleanup := services.NewCleanupService(installationRepo, jobRepo, cfg.Queue, log)
	go cleanup.Start(rootCtx)

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Token, X-Owner-ID",
		AllowMethods: "GET, POST, HEAD, PUT, DELETE, PATCH",
	}))

	app.Use(func(c *fiber.Ctx) error {
		hdr := cfg.Features.RequestIDHeader
		var reqID string
		if hdr != "" {
			reqID = c.Get(hdr)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(c.Context(), "request_id", reqID)
		c.SetUserContext(ctx)
		return c.Next()
	})

	if cfg.Features.EnableRequestLogging {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			routePath := ""
			if c.Route() != nil {
				routePath = c.Route().Path
			}
			log.Infow("http_access",
				"method", c.Method(),
				"path", c.Path(),
				"route", routePath,
				"status", c.Response().StatusCode(),
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", c.IP(),
				"request_id", c.Context().Value("request_id"),
			)
			return err
		})
	}

	transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
		Config:        cfg,
		Logger:        log,
		Installations: installationService,
		Scripts:       scriptService,
		Broadcaster:   broadcaster,
	})

	go func() {
		if err := app.Listen(cfg.Server.Address()); err != nil {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	log.Infof("server started on %s", cfg.Server.Address())

	gracefulShutdown(app, database, cancelRoot, workers, log)
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code == fiber.StatusRequestTimeout || code == fiber.StatusNotFound {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Context().Value("request_id"),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Context().Value("request_id"),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func gracefulShutdown(app *fiber.App, database *gorm.DB, cancelRoot context.CancelFunc, workers *services.WorkerPool, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}

	// Stop workers and the broadcaster, then wait for in-flight jobs to
	// release their claims.
	cancelRoot()
	workers.Wait()

	if err := db.Close(database); err != nil {
		log.Errorf("failed to close database connection: %v", err)
	}

	log.Info("server exited gracefully")
}

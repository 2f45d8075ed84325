package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/bayareametro/trafficagg/internal/api/http"
	"github.com/bayareametro/trafficagg/internal/config"
	"github.com/bayareametro/trafficagg/internal/pipeline"
	"github.com/bayareametro/trafficagg/internal/store"
	"github.com/bayareametro/trafficagg/internal/traffic/providers"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	// In-memory rollup cache with configured retention.
	memStore := store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)

	// Provider clients with resilience (backoff + circuit breaker). A client
	// stays nil when its credentials are absent, which disables the
	// corresponding download endpoints.
	var inrix *providers.InrixClient
	if cfg.InrixEmail != "" && cfg.InrixPassword != "" {
		inrix = providers.NewInrixClient(httpClient, cfg.InrixEmail, cfg.InrixPassword)
	}
	var swiftly *providers.SwiftlyClient
	if cfg.SwiftlyAPIKey != "" {
		swiftly = providers.NewSwiftlyClient(httpClient, cfg.SwiftlyAPIKey, cfg.SwiftlyAgency)
	}

	// Core service orchestrating downloads, normalization, and aggregation.
	service := pipeline.New(memStore, inrix, swiftly, cfg.Corridors, pipeline.Options{
		Rollup:         cfg.Rollup,
		Combine:        cfg.Combine,
		Equivalence:    cfg.Equivalence,
		MaxFailureRate: cfg.MaxFailureRate,
	})

	app := fiber.New(fiber.Config{
		AppName:               "trafficagg",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "trafficagg",
		})
	})

	httpapi.RegisterRoutes(app, service)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("fiber server stopped", "error", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
	}
}

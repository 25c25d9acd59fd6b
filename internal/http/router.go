// Package http exposes the audit service's REST and SSE surface on
// fiber.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"geoaudit/internal/config"
	"geoaudit/internal/metrics"
	"geoaudit/internal/model"
	"geoaudit/internal/store"
)

// JobManager is the slice of the jobs manager the handlers need.
type JobManager interface {
	Submit(auditID int64) error
	Cancel(auditID int64) error
	Subscribe(auditID int64) (<-chan model.ProgressEvent, func())
}

// Regenerator re-synthesizes a completed audit's report.
type Regenerator interface {
	Regenerate(ctx context.Context, auditID int64, forcePerf bool) error
}

type Server struct {
	app     *fiber.App
	config  *config.Config
	store   store.Store
	manager JobManager
	regen   Regenerator
	redis   *redis.Client
	logger  *slog.Logger
}

func NewServer(cfg *config.Config, st store.Store, manager JobManager, regen Regenerator, rdb *redis.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		app:     app,
		config:  cfg,
		store:   st,
		manager: manager,
		regen:   regen,
		redis:   rdb,
		logger:  logger,
	}

	// Request logging + metrics middleware.
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())
		logger.Info("request",
			"request_id", reqID,
			"method", method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		)
		return err
	})

	app.Get("/healthz", s.healthzHandler)
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	v1 := app.Group("/v1")
	v1.Post("/audits", s.createAuditHandler)
	v1.Get("/audits", s.listAuditsHandler)
	v1.Get("/audits/:id", s.getAuditHandler)
	v1.Get("/audits/:id/events", s.eventsHandler)
	v1.Post("/audits/:id/regenerate", s.regenerateHandler)
	v1.Post("/audits/:id/cancel", s.cancelAuditHandler)

	return s
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for in-process tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) healthzHandler(c *fiber.Ctx) error {
	// Shallow health: process is up.
	if c.Query("deep") != "true" {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := s.store.Ping(ctx); err != nil {
		dbStatus = "error"
	}

	redisStatus := "disabled"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "error"
		} else {
			redisStatus = "ok"
		}
	}

	rodStatus := "disabled"
	if s.config.Rod.Enabled {
		rodStatus = "enabled"
	}

	status := "ok"
	if dbStatus != "ok" || redisStatus == "error" {
		status = "error"
	}

	return c.JSON(fiber.Map{
		"status": status,
		"db":     dbStatus,
		"redis":  redisStatus,
		"rod":    rodStatus,
	})
}

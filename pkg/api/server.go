// Package api exposes the HTTP surface: workflow CRUD and lifecycle
// commands, the WebSocket event stream, health, and metrics.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ameliahq/amelia/pkg/database"
	"github.com/ameliahq/amelia/pkg/events"
	"github.com/ameliahq/amelia/pkg/orchestrator"
)

// Server holds the handler dependencies.
type Server struct {
	orch    *orchestrator.Orchestrator
	broker  *events.Broker
	db      *sql.DB
	metrics *prometheus.Registry
	logger  *slog.Logger
}

// NewServer creates the API server. db and metrics may be nil; the
// corresponding endpoints degrade gracefully.
func NewServer(orch *orchestrator.Orchestrator, broker *events.Broker, db *sql.DB, metrics *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, broker: broker, db: db, metrics: metrics, logger: logger}
}

// Register mounts all routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/api/v1")
	v1.POST("/workflows", s.createWorkflowHandler)
	v1.GET("/workflows", s.listWorkflowsHandler)
	v1.GET("/workflows/active", s.activeWorkflowsHandler)
	v1.GET("/workflows/:id", s.getWorkflowHandler)
	v1.GET("/workflows/:id/events", s.workflowEventsHandler)
	v1.POST("/workflows/:id/plan", s.planHandler)
	v1.PUT("/workflows/:id/plan", s.setPlanHandler)
	v1.POST("/workflows/:id/approve", s.approveHandler)
	v1.POST("/workflows/:id/reject", s.rejectHandler)
	v1.POST("/workflows/:id/replan", s.replanHandler)
	v1.POST("/workflows/:id/cancel", s.cancelHandler)

	e.GET("/ws/events", s.wsHandler)
}

// healthHandler reports process and database health.
func (s *Server) healthHandler(c *echo.Context) error {
	body := map[string]any{"status": "healthy"}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(ctx, s.db)
		body["database"] = dbHealth
		if err != nil {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
	}
	body["active_runs"] = s.orch.ActiveRuns()
	return c.JSON(http.StatusOK, body)
}

// Package api exposes the migration engine over HTTP: batch control and
// polling, single-record processing, health and metrics.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/media-migrate/internal/batch"
	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/errors"
	"github.com/tphakala/media-migrate/internal/logging"
	"github.com/tphakala/media-migrate/internal/migration"
	"github.com/tphakala/media-migrate/internal/observability"
)

// Package-level logger specific to the API service
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "api.log")
	serviceLevelVar.Set(slog.LevelInfo)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "api", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize api file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "api")
		closeLogger = func() error { return nil }
	}
}

// Server is the HTTP host surface of the engine.
type Server struct {
	Echo     *echo.Echo
	settings *conf.APISettings
	orch     *batch.Orchestrator
	coord    *migration.Coordinator
	metrics  *observability.Metrics
}

// New builds the server and mounts all routes.
func New(settings *conf.APISettings, orch *batch.Orchestrator, coord *migration.Coordinator, metrics *observability.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		Echo:     e,
		settings: settings,
		orch:     orch,
		coord:    coord,
		metrics:  metrics,
	}

	e.GET("/healthz", s.health)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/api/v1")
	v1.GET("/batch/:type", s.batchProgress)

	mutating := v1.Group("", s.bearerGuard)
	mutating.POST("/batch/:type/start", s.batchStart)
	mutating.POST("/batch/:type/stop", s.batchStop)
	mutating.POST("/batch/:type/reset", s.batchReset)
	mutating.POST("/records/:id/process", s.processRecord)

	return s
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.settings.Host, s.settings.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Echo.Start(addr)
	}()
	logger.Info("api listening", "addr", addr)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Echo.Shutdown(shutdownCtx)
	}
}

// bearerGuard enforces the static token on mutating endpoints when one is
// configured. An empty token leaves them open for trusted deployments.
func (s *Server) bearerGuard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.settings.BearerToken == "" {
			return next(c)
		}
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		expected := "Bearer " + s.settings.BearerToken
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		return next(c)
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) batchStart(c echo.Context) error {
	state, err := s.orch.Start(c.Param("type"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) batchStop(c echo.Context) error {
	state, err := s.orch.Stop(c.Param("type"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) batchReset(c echo.Context) error {
	if err := s.orch.Reset(c.Param("type")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) batchProgress(c echo.Context) error {
	state, err := s.orch.Progress(c.Param("type"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) processRecord(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	processed, failed, err := s.coord.ProcessRecord(c.Request().Context(), uint(id))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{
		"processed": processed,
		"failed":    failed,
	})
}

// httpError maps engine error categories to HTTP statuses. Error messages
// are already redacted at the source, so they pass through as-is.
func httpError(err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		status = http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryConflict):
		status = http.StatusConflict
	case errors.IsCategory(err, errors.CategoryNotFound):
		status = http.StatusNotFound
	}
	return echo.NewHTTPError(status, err.Error())
}

// Close releases the service log file.
func (s *Server) Close() {
	if closeLogger != nil {
		if err := closeLogger(); err != nil {
			log.Printf("Error closing api logger: %v", err)
		}
	}
}

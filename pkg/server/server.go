// Package server exposes the archive over a small REST API: instance
// ingest and download, resource deletion, the change feed, job control
// and the system endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pacsd/pkg/archive"
	"pacsd/pkg/cerrors"
	"pacsd/pkg/jobs"
	"pacsd/pkg/log"
	"pacsd/pkg/models"
)

const shutdownTimeout = 10 * time.Second

// Archive is the slice of the archive service the REST layer consumes.
type Archive interface {
	Store(data []byte, remoteAET string) (*archive.StoreResult, error)
	Delete(publicID string) error
	ReadInstance(publicID string) ([]byte, error)
	Statistics() (archive.Statistics, error)
	Changes(since int64, limit int) ([]models.Change, bool, error)
}

// Server is the REST front end.
type Server struct {
	echo     *echo.Echo
	archive  Archive
	registry *jobs.Registry
	gatherer prometheus.Gatherer
	version  string
	started  time.Time
}

// NewServer builds the server over the archive and the jobs registry. A
// nil gatherer falls back to the default Prometheus registry.
func NewServer(archiveImpl Archive, registry *jobs.Registry, gatherer prometheus.Gatherer, version string) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		echo:     echo.New(),
		archive:  archiveImpl,
		registry: registry,
		gatherer: gatherer,
		version:  version,
		started:  time.Now(),
	}
}

// Start serves on addr until SIGINT or SIGTERM, then shuts down
// gracefully.
func (s *Server) Start(addr string) error {
	s.setupRoutes()

	go func() {
		log.Info().Str("addr", addr).Str("version", s.version).Msg("Starting REST server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server startup failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return s.Shutdown()
}

// Shutdown stops the listener, draining in-flight requests first.
func (s *Server) Shutdown() error {
	log.Info().Msg("Shutting down REST server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}
	log.Info().Msg("REST server stopped")
	return nil
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${status} ${method} ${uri} (${latency_human})\n",
	}))
	s.echo.Use(middleware.Recover())

	s.echo.POST("/instances", s.storeInstance)
	s.echo.GET("/instances/:id/file", s.downloadInstance)
	s.echo.DELETE("/resources/:id", s.deleteResource)
	s.echo.GET("/changes", s.getChanges)
	s.echo.GET("/statistics", s.getStatistics)
	s.echo.GET("/system", s.getSystem)
	s.echo.GET("/jobs", s.listJobs)
	s.echo.GET("/jobs/:id", s.getJob)
	s.echo.POST("/jobs/:id/cancel", s.cancelJob)
	s.echo.POST("/jobs/:id/pause", s.pauseJob)
	s.echo.POST("/jobs/:id/resume", s.resumeJob)
	s.echo.POST("/jobs/:id/resubmit", s.resubmitJob)
	s.echo.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// errorJSON answers one failure with the HTTP status of its error code.
func errorJSON(ctx echo.Context, err error) error {
	code := cerrors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	return ctx.JSON(status, map[string]string{
		"error": err.Error(),
	})
}

package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// listJobs handles GET /jobs.
func (s *Server) listJobs(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, s.registry.ListJobs())
}

// getJob handles GET /jobs/:id.
func (s *Server) getJob(ctx echo.Context) error {
	info, ok := s.registry.GetJobInfo(ctx.Param("id"))
	if !ok {
		return ctx.JSON(http.StatusNotFound, map[string]string{
			"error": "unknown job",
		})
	}
	return ctx.JSON(http.StatusOK, info)
}

// jobAction runs one registry transition, mapping an unknown id to 404
// and a transition rejected by the state machine to 400.
func (s *Server) jobAction(ctx echo.Context, action func(string) bool) error {
	id := ctx.Param("id")
	if _, ok := s.registry.GetState(id); !ok {
		return ctx.JSON(http.StatusNotFound, map[string]string{
			"error": "unknown job",
		})
	}
	if !action(id) {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "transition not allowed in the current state",
		})
	}
	return ctx.JSON(http.StatusOK, map[string]string{"id": id})
}

func (s *Server) cancelJob(ctx echo.Context) error {
	return s.jobAction(ctx, s.registry.Cancel)
}

func (s *Server) pauseJob(ctx echo.Context) error {
	return s.jobAction(ctx, s.registry.Pause)
}

func (s *Server) resumeJob(ctx echo.Context) error {
	return s.jobAction(ctx, s.registry.Resume)
}

func (s *Server) resubmitJob(ctx echo.Context) error {
	return s.jobAction(ctx, s.registry.Resubmit)
}

package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"pacsd/pkg/models"
)

const defaultChangesLimit = 100

// getChanges handles GET /changes?since=N&limit=M, paging through the
// change feed.
func (s *Server) getChanges(ctx echo.Context) error {
	since, err := queryInt64(ctx, "since", 0)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "since must be an integer",
		})
	}
	limit, err := queryInt64(ctx, "limit", defaultChangesLimit)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "limit must be an integer",
		})
	}

	changes, done, err := s.archive.Changes(since, int(limit))
	if err != nil {
		return errorJSON(ctx, err)
	}
	if changes == nil {
		changes = []models.Change{}
	}

	last := since
	if len(changes) > 0 {
		last = changes[len(changes)-1].Seq
	}

	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"Changes": changes,
		"Done":    done,
		"Last":    last,
	})
}

func queryInt64(ctx echo.Context, name string, fallback int64) (int64, error) {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

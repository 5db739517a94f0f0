package server

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"pacsd/pkg/archive"
)

const apiVersion = 1

// getSystem handles GET /system.
func (s *Server) getSystem(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"Name":       "pacsd",
		"Version":    s.version,
		"ApiVersion": apiVersion,
		"StartedAt":  s.started.UTC().Format(time.RFC3339),
	})
}

// getStatistics handles GET /statistics, adding human-readable sizes to
// the raw byte counts.
func (s *Server) getStatistics(ctx echo.Context) error {
	stats, err := s.archive.Statistics()
	if err != nil {
		return errorJSON(ctx, err)
	}

	return ctx.JSON(http.StatusOK, struct {
		archive.Statistics
		TotalDiskSizeHuman         string `json:"TotalDiskSizeHuman"`
		TotalUncompressedSizeHuman string `json:"TotalUncompressedSizeHuman"`
	}{
		Statistics:                 stats,
		TotalDiskSizeHuman:         humanize.Bytes(uint64(stats.TotalDiskSize)),
		TotalUncompressedSizeHuman: humanize.Bytes(uint64(stats.TotalUncompressedSize)),
	})
}

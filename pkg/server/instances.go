package server

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/log"
)

// remoteAETHeader names the source application entity of an upload.
const remoteAETHeader = "X-Remote-Aet"

// storeInstance handles POST /instances: the body is one encoded DICOM
// file.
func (s *Server) storeInstance(ctx echo.Context) error {
	data, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read upload body")
		return errorJSON(ctx, cerrors.New(cerrors.CodeBadRequest, "unreadable request body"))
	}
	if len(data) == 0 {
		return errorJSON(ctx, cerrors.New(cerrors.CodeBadRequest, "empty request body"))
	}

	result, err := s.archive.Store(data, ctx.Request().Header.Get(remoteAETHeader))
	if err != nil {
		return errorJSON(ctx, err)
	}
	return ctx.JSON(http.StatusOK, result)
}

// downloadInstance handles GET /instances/:id/file.
func (s *Server) downloadInstance(ctx echo.Context) error {
	data, err := s.archive.ReadInstance(ctx.Param("id"))
	if err != nil {
		return errorJSON(ctx, err)
	}
	return ctx.Blob(http.StatusOK, "application/dicom", data)
}

// deleteResource handles DELETE /resources/:id at any level of the
// hierarchy.
func (s *Server) deleteResource(ctx echo.Context) error {
	id := ctx.Param("id")
	if err := s.archive.Delete(id); err != nil {
		return errorJSON(ctx, err)
	}
	return ctx.JSON(http.StatusOK, map[string]string{
		"id":     id,
		"status": "deleted",
	})
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/gridflow/cmd/api/container"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/versioning"
)

// VersionHandler handles publishing and version browsing
type VersionHandler struct {
	c *container.Container
}

// NewVersionHandler creates a new version handler
func NewVersionHandler(c *container.Container) *VersionHandler {
	return &VersionHandler{c: c}
}

type publishRequest struct {
	InputSchema   json.RawMessage `json:"input_schema"`
	OutputSchema  json.RawMessage `json:"output_schema"`
	ChangeSummary string          `json:"change_summary"`
}

// Publish freezes the draft into the next version
// POST /api/v1/workflows/:id/publish
func (h *VersionHandler) Publish(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	version, err := h.c.Versioning.Publish(c.Request().Context(), versioning.PublishParams{
		WorkflowID:    id,
		InputSchema:   req.InputSchema,
		OutputSchema:  req.OutputSchema,
		ChangeSummary: req.ChangeSummary,
		CreatedBy:     c.Request().Header.Get("X-User-ID"),
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusCreated, version)
}

// ListVersions returns a workflow's versions, newest first
// GET /api/v1/workflows/:id/versions
func (h *VersionHandler) ListVersions(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}

	versions, err := h.c.Versioning.ListVersions(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": versions})
}

// GetVersion fetches one version
// GET /api/v1/versions/:version_id
func (h *VersionHandler) GetVersion(c echo.Context) error {
	versionID, err := uuid.Parse(c.Param("version_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version id")
	}

	version, err := h.c.Components.Repo.GetVersion(c.Request().Context(), versionID)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "version not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, version)
}

type activateRequest struct {
	VersionID string `json:"version_id"`
}

// Activate points the workflow's active version at an older publish
// (rollback) or any published version
// POST /api/v1/workflows/:id/activate
func (h *VersionHandler) Activate(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}
	var req activateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	versionID, err := uuid.Parse(req.VersionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version id")
	}

	ctx := c.Request().Context()
	version, err := h.c.Components.Repo.GetVersion(ctx, versionID)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "version not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if version.WorkflowID != id {
		return echo.NewHTTPError(http.StatusConflict, "version belongs to another workflow")
	}

	if err := h.c.Components.Repo.SetActiveVersion(ctx, id, versionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.c.Runs.InvalidateVersionCache(id)

	return c.JSON(http.StatusOK, version)
}

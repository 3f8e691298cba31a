// Package handlers holds the API's echo handlers. Each handler binds
// the request, delegates to a service and maps domain errors to status
// codes; no orchestration logic lives here.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/gridflow/cmd/api/container"
	"github.com/lyzr/gridflow/common/cronplan"
	"github.com/lyzr/gridflow/common/graphcheck"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/versioning"
)

// WorkflowHandler handles workflow CRUD, draft editing and scheduling
type WorkflowHandler struct {
	c *container.Container
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{c: c}
}

type createWorkflowRequest struct {
	Name  string          `json:"name"`
	Graph json.RawMessage `json:"graph"`
}

// CreateWorkflow creates a workflow with an initial draft graph
// POST /api/v1/workflows
func (h *WorkflowHandler) CreateWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.Graph == nil {
		req.Graph = json.RawMessage(`{"nodes":[],"edges":[]}`)
	} else if _, err := graphcheck.ValidateJSON(req.Graph); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	wf, err := h.c.Components.Repo.CreateWorkflow(c.Request().Context(), req.Name, req.Graph)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, wf)
}

// GetWorkflow fetches one workflow
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}

	wf, err := h.c.Components.Repo.GetWorkflow(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, wf)
}

// ListWorkflows lists all workflows
// GET /api/v1/workflows
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	workflows, err := h.c.Components.Repo.ListWorkflows(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": workflows})
}

type renameWorkflowRequest struct {
	Name string `json:"name"`
}

// RenameWorkflow renames a workflow
// PATCH /api/v1/workflows/:id
func (h *WorkflowHandler) RenameWorkflow(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}
	var req renameWorkflowRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	if err := h.c.Components.Repo.RenameWorkflow(c.Request().Context(), id, req.Name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteWorkflow deletes a workflow and everything that hangs off it
// DELETE /api/v1/workflows/:id
func (h *WorkflowHandler) DeleteWorkflow(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}

	if err := h.c.Components.Repo.DeleteWorkflow(c.Request().Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// PatchDraft applies an RFC 6902 patch to the draft graph
// PATCH /api/v1/workflows/:id/graph
func (h *WorkflowHandler) PatchDraft(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	patched, err := h.c.Versioning.PatchDraft(c.Request().Context(), id, body)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"graph": patched})
}

type updateDraftRequest struct {
	Graph json.RawMessage `json:"graph"`
}

// UpdateDraft replaces the draft graph wholesale
// PUT /api/v1/workflows/:id/graph
func (h *WorkflowHandler) UpdateDraft(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}
	var req updateDraftRequest
	if err := c.Bind(&req); err != nil || req.Graph == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "graph is required")
	}
	if _, err := graphcheck.ValidateJSON(req.Graph); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if err := h.c.Components.Repo.UpdateDraftGraph(c.Request().Context(), id, req.Graph); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Export bundles the workflow for transfer
// GET /api/v1/workflows/:id/export
func (h *WorkflowHandler) Export(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}

	bundle, err := h.c.Versioning.Export(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, bundle)
}

// Import creates a workflow from an exported bundle
// POST /api/v1/workflows/import
func (h *WorkflowHandler) Import(c echo.Context) error {
	var bundle versioning.ExportBundle
	if err := c.Bind(&bundle); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid bundle")
	}

	wf, err := h.c.Versioning.Import(c.Request().Context(), &bundle)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusCreated, wf)
}

type scheduleRequest struct {
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron"`
	Tz      string `json:"tz"`
	Overlap string `json:"overlap"`
}

// UpdateSchedule sets or clears the workflow's cron trigger
// PUT /api/v1/workflows/:id/schedule
func (h *WorkflowHandler) UpdateSchedule(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var nextRun *time.Time
	if req.Enabled {
		if req.Cron == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "cron expression is required")
		}
		switch req.Overlap {
		case "", "skip", "queue_one", "parallel":
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "overlap must be skip, queue_one or parallel")
		}
		next, err := cronplan.Next(req.Cron, req.Tz, time.Now())
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		nextRun = &next
	}

	if err := h.c.Components.Repo.UpdateSchedule(c.Request().Context(), id, req.Enabled, req.Cron, req.Tz, req.Overlap, nextRun); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := map[string]any{"enabled": req.Enabled}
	if nextRun != nil {
		resp["next_run"] = nextRun
	}
	return c.JSON(http.StatusOK, resp)
}

func workflowID(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid workflow id")
	}
	return id, nil
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/gridflow/cmd/api/container"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/runs"
	"github.com/lyzr/gridflow/common/sdk"
)

// RunHandler handles run lifecycle requests
type RunHandler struct {
	c *container.Container
}

// NewRunHandler creates a new run handler
func NewRunHandler(c *container.Container) *RunHandler {
	return &RunHandler{c: c}
}

type createRunRequest struct {
	WorkflowID int             `json:"workflow_id"`
	VersionID  string          `json:"version_id"`
	Input      json.RawMessage `json:"input"`
	Pinned     bool            `json:"pinned"`
}

// CreateRun triggers a run of a workflow's active (or pinned) version
// POST /api/v1/runs
func (h *RunHandler) CreateRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.WorkflowID < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id is required")
	}

	var versionID *uuid.UUID
	if req.VersionID != "" {
		id, err := uuid.Parse(req.VersionID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid version id")
		}
		versionID = &id
	}

	run, err := h.c.Runs.CreateRun(c.Request().Context(), runs.CreateRunParams{
		WorkflowID: req.WorkflowID,
		VersionID:  versionID,
		Input:      req.Input,
		Trigger:    sdk.TriggerManual,
		Pinned:     req.Pinned,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow or version not found")
		}
		if errors.Is(err, repository.ErrNoActiveVersion) {
			return echo.NewHTTPError(http.StatusConflict, "workflow has no published version")
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusCreated, run)
}

// TriggerWebhook starts a run with the request body as trigger input
// POST /api/v1/workflows/:id/trigger
func (h *RunHandler) TriggerWebhook(c echo.Context) error {
	id, err := workflowID(c)
	if err != nil {
		return err
	}

	var input json.RawMessage
	if err := c.Bind(&input); err != nil {
		input = json.RawMessage(`{}`)
	}

	run, err := h.c.Runs.CreateRun(c.Request().Context(), runs.CreateRunParams{
		WorkflowID: id,
		Input:      input,
		Trigger:    sdk.TriggerWebhook,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		if errors.Is(err, repository.ErrNoActiveVersion) {
			return echo.NewHTTPError(http.StatusConflict, "workflow has no published version")
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]any{"run_id": run.ID, "status": run.Status})
}

// GetRun fetches one run
// GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}

	run, err := h.c.Components.Repo.GetRun(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns lists a workflow's runs, newest first
// GET /api/v1/runs?workflow_id=1&limit=50
func (h *RunHandler) ListRuns(c echo.Context) error {
	workflowID, err := strconv.Atoi(c.QueryParam("workflow_id"))
	if err != nil || workflowID < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id is required")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	list, err := h.c.Components.Repo.ListRuns(c.Request().Context(), workflowID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": list})
}

// ListEvents returns a run's full append-only log in order
// GET /api/v1/runs/:id/events
func (h *RunHandler) ListEvents(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}

	events, err := h.c.Components.Repo.ListEvents(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// CancelRun cancels a run and its outstanding children
// POST /api/v1/runs/:id/cancel
func (h *RunHandler) CancelRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if _, err := h.c.Components.Repo.GetRun(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if err := h.c.Engine.CancelRun(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": id, "status": sdk.RunCancelled})
}

// Replay re-executes a run with its original snapshot and input
// POST /api/v1/runs/:id/replay
func (h *RunHandler) Replay(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}

	run, err := h.c.Runs.Replay(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusCreated, run)
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

// Pin marks a run exempt from retention cleanup
// PUT /api/v1/runs/:id/pin
func (h *RunHandler) Pin(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	var req pinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.c.Components.Repo.SetRunPinned(c.Request().Context(), id, req.Pinned); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"run_id": id, "pinned": req.Pinned})
}

// ListBatches returns a run's batch operations with per-item results
// GET /api/v1/runs/:id/batches
func (h *RunHandler) ListBatches(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	batches, err := h.c.Components.Repo.ListBatchesForRun(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]map[string]any, 0, len(batches))
	for _, b := range batches {
		results, err := h.c.Components.Repo.ListBatchResults(ctx, b.ID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		out = append(out, map[string]any{
			"batch":   b,
			"results": results,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"batches": out})
}

func runID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}
	return id, nil
}

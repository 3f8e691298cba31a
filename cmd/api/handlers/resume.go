package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/gridflow/cmd/api/container"
	"github.com/lyzr/gridflow/common/repository"
)

// ResumeHandler handles webhook-wait resume callbacks
type ResumeHandler struct {
	c *container.Container
}

// NewResumeHandler creates a new resume handler
func NewResumeHandler(c *container.Container) *ResumeHandler {
	return &ResumeHandler{c: c}
}

// Resume consumes a suspension token and completes the waiting node
// with the request body as its output. Tokens are single-use: a second
// call sees 404, an expired one 410.
// POST /api/v1/resume/:token
func (h *ResumeHandler) Resume(c echo.Context) error {
	token := c.Param("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}

	var body map[string]any
	if err := c.Bind(&body); err != nil || body == nil {
		body = map[string]any{}
	}

	ctx := c.Request().Context()
	susp, err := h.c.Components.Repo.ConsumeSuspensionToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown or already used token")
	}
	if errors.Is(err, repository.ErrTokenExpired) {
		return echo.NewHTTPError(http.StatusGone, "token expired")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if err := h.c.Engine.ResumeNode(ctx, susp.RunID, susp.NodeID, resumeOutput(body), false, "", ""); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id":  susp.RunID,
		"node_id": susp.NodeID,
	})
}

// resumeOutput shapes the completed node's output. Downstream templates
// read the caller's body under webhook_payload
// ({{wait.webhook_payload.approved}}).
func resumeOutput(body map[string]any) map[string]any {
	out := map[string]any{"resumed": true}
	if len(body) > 0 {
		out["webhook_payload"] = body
	}
	return out
}

// Health reports service health plus executor counters
// GET /health
func Health(c *container.Container) echo.HandlerFunc {
	return func(ec echo.Context) error {
		status := "ok"
		if err := c.Components.DB.Health(ec.Request().Context()); err != nil {
			status = "degraded"
		}
		out, _ := json.Marshal(map[string]any{
			"status":  status,
			"service": c.Components.Config.Service.Name,
			"metrics": c.Metrics.Snapshots(),
		})
		return ec.JSONBlob(http.StatusOK, out)
	}
}

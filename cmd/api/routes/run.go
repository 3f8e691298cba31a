package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/gridflow/cmd/api/container"
	"github.com/lyzr/gridflow/cmd/api/handlers"
)

// RegisterRunRoutes registers run lifecycle and trigger routes
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c)

	runs := e.Group("/api/v1/runs")
	{
		runs.POST("", h.CreateRun)
		runs.GET("", h.ListRuns)
		runs.GET("/:id", h.GetRun)
		runs.GET("/:id/events", h.ListEvents)
		runs.GET("/:id/batches", h.ListBatches)
		runs.POST("/:id/cancel", h.CancelRun)
		runs.POST("/:id/replay", h.Replay)
		runs.PUT("/:id/pin", h.Pin)
	}

	e.POST("/api/v1/workflows/:id/trigger", h.TriggerWebhook)
}

// RegisterResumeRoutes registers the webhook-wait resume callback
func RegisterResumeRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewResumeHandler(c)
	e.POST("/api/v1/resume/:token", h.Resume)
}

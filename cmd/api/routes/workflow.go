// Package routes maps URLs onto handlers
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/gridflow/cmd/api/container"
	"github.com/lyzr/gridflow/cmd/api/handlers"
)

// RegisterWorkflowRoutes registers workflow, draft and version routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	wh := handlers.NewWorkflowHandler(c)
	vh := handlers.NewVersionHandler(c)

	wf := e.Group("/api/v1/workflows")
	{
		wf.POST("", wh.CreateWorkflow)
		wf.GET("", wh.ListWorkflows)
		wf.POST("/import", wh.Import)
		wf.GET("/:id", wh.GetWorkflow)
		wf.PATCH("/:id", wh.RenameWorkflow)
		wf.DELETE("/:id", wh.DeleteWorkflow)
		wf.PUT("/:id/graph", wh.UpdateDraft)
		wf.PATCH("/:id/graph", wh.PatchDraft)
		wf.GET("/:id/export", wh.Export)
		wf.PUT("/:id/schedule", wh.UpdateSchedule)

		wf.POST("/:id/publish", vh.Publish)
		wf.GET("/:id/versions", vh.ListVersions)
		wf.POST("/:id/activate", vh.Activate)
	}

	e.GET("/api/v1/versions/:version_id", vh.GetVersion)
}

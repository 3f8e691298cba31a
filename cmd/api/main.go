package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/gridflow/cmd/api/container"
	"github.com/lyzr/gridflow/cmd/api/handlers"
	"github.com/lyzr/gridflow/cmd/api/routes"
	"github.com/lyzr/gridflow/common/bootstrap"
	"github.com/lyzr/gridflow/common/server"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap api: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, serviceContainer)
	registerRoutes(e, serviceContainer)

	components.Logger.Info("starting api", "port", components.Config.Service.Port)
	if err := server.Start(e, components.Config.Service.Port, components.Logger); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, c *container.Container) {
	e.GET("/health", handlers.Health(c))
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterWorkflowRoutes(e, c)
	routes.RegisterRunRoutes(e, c)
	routes.RegisterResumeRoutes(e, c)
}

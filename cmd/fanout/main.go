package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/gridflow/common/bootstrap"
	"github.com/lyzr/gridflow/common/server"
)

const serviceName = "fanout"

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, serviceName,
		bootstrap.WithoutQueue(),
		bootstrap.WithoutPublisher(),
		bootstrap.WithoutCache(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup %s: %v\n", serviceName, err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": serviceName,
		})
	})

	sse := NewSSEHandler(components.Repo, components.Redis, components.Logger)
	e.GET("/events/:run_id", sse.Stream)

	components.Logger.Info("starting fanout", "port", components.Config.Service.Port)
	if err := server.Start(e, components.Config.Service.Port, components.Logger); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

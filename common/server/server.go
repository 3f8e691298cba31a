package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/gridflow/common/logger"
)

// Start runs the echo server and blocks until SIGINT/SIGTERM, then
// drains in-flight requests before returning
func Start(e *echo.Echo, port int, log *logger.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}

// WaitForSignal blocks until SIGINT/SIGTERM, for services without an
// HTTP surface
func WaitForSignal(log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", "signal", sig.String())
}

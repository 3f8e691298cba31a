package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/lyzr/gridflow/common/logger"
)

// Telemetry serves pprof on a side port
type Telemetry struct {
	pprofPort int
	server    *http.Server
	log       *logger.Logger
}

// New creates a telemetry component
func New(pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		pprofPort: pprofPort,
		log:       log,
	}
}

// Start begins serving pprof endpoints
func (t *Telemetry) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	t.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", t.pprofPort),
		Handler: mux,
	}

	go func() {
		t.log.Info("pprof listening", "port", t.pprofPort)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Warn("pprof server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the pprof server down
func (t *Telemetry) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}

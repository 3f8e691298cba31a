package bootstrap

import (
	"context"

	"github.com/lyzr/gridflow/common/cache"
	"github.com/lyzr/gridflow/common/config"
	"github.com/lyzr/gridflow/common/db"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/queue"
	"github.com/lyzr/gridflow/common/redis"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/stream"
	"github.com/lyzr/gridflow/common/telemetry"
)

// Components holds everything a service gets from Setup
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *redis.Client
	Repo      *repository.Store
	Queue     queue.Queue
	Publisher stream.Publisher
	Cache     cache.Cache
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// addCleanup registers a cleanup function, run LIFO on Shutdown
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

// Shutdown tears components down in reverse initialization order
func (c *Components) Shutdown(ctx context.Context) {
	if c.Telemetry != nil {
		if err := c.Telemetry.Stop(ctx); err != nil {
			c.Logger.Warn("telemetry shutdown failed", "error", err)
		}
	}

	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			c.Logger.Warn("cleanup failed", "error", err)
		}
	}
}

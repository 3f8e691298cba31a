// Package container wires the API's services once at startup
package container

import (
	"fmt"

	"github.com/lyzr/gridflow/common/bootstrap"
	"github.com/lyzr/gridflow/common/engine"
	"github.com/lyzr/gridflow/common/engine/mapengine"
	"github.com/lyzr/gridflow/common/metrics"
	"github.com/lyzr/gridflow/common/runs"
	"github.com/lyzr/gridflow/common/versioning"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	Runs       *runs.Service
	Versioning *versioning.Service
	Engine     *engine.Engine
	Batches    *mapengine.Engine
	Metrics    *metrics.Registry
}

// NewContainer initializes all services once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	if components.Repo == nil {
		return nil, fmt.Errorf("api requires the database")
	}

	cfg := components.Config
	log := components.Logger

	runSvc := runs.NewService(components.Repo, components.Queue, components.Cache, log, cfg.Worker.TaskDeadline)
	versionSvc := versioning.NewService(components.Repo, log, runSvc.InvalidateVersionCache)

	opts := engine.Options{
		Store:        components.Repo,
		Queue:        components.Queue,
		Logger:       log,
		TaskDeadline: cfg.Worker.TaskDeadline,
		BaseURL:      cfg.Service.BaseURL,
	}
	if components.Redis != nil {
		opts.CancelNotifier = engine.NewRedisCancelNotifier(components.Redis, log)
	}
	eng := engine.New(opts)
	batches := mapengine.New(components.Repo, runSvc, eng, log)
	eng.SetBatchHandler(batches)

	return &Container{
		Components: components,
		Runs:       runSvc,
		Versioning: versionSvc,
		Engine:     eng,
		Batches:    batches,
		Metrics:    metrics.NewRegistry(),
	}, nil
}

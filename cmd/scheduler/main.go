package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lyzr/gridflow/common/bootstrap"
	"github.com/lyzr/gridflow/common/engine"
	"github.com/lyzr/gridflow/common/engine/mapengine"
	"github.com/lyzr/gridflow/common/runs"
	"github.com/lyzr/gridflow/common/server"
)

const serviceName = "scheduler"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, serviceName,
		bootstrap.WithoutPublisher(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup %s: %v\n", serviceName, err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger

	runSvc := runs.NewService(components.Repo, components.Queue, components.Cache, log, cfg.Worker.TaskDeadline)

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

	sched := NewScheduler(components.Repo, eng, batches, runSvc, cfg, log)
	go sched.Run(ctx)

	server.WaitForSignal(log)
	cancel()
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lyzr/gridflow/common/bootstrap"
	"github.com/lyzr/gridflow/common/condition"
	"github.com/lyzr/gridflow/common/engine"
	"github.com/lyzr/gridflow/common/engine/mapengine"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/metrics"
	"github.com/lyzr/gridflow/common/runs"
	"github.com/lyzr/gridflow/common/server"

	"github.com/lyzr/gridflow/cmd/worker/executor"
)

const serviceName = "worker"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup %s: %v\n", serviceName, err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	cfg := components.Config
	log := components.Logger

	runSvc := runs.NewService(components.Repo, components.Queue, components.Cache, log, cfg.Worker.TaskDeadline)

	eng := engine.New(engine.Options{
		Store:          components.Repo,
		Queue:          components.Queue,
		CancelNotifier: engine.NewRedisCancelNotifier(components.Redis, log),
		Logger:         log,
		TaskDeadline:   cfg.Worker.TaskDeadline,
		BaseURL:        cfg.Service.BaseURL,
	})
	batches := mapengine.New(components.Repo, runSvc, eng, log)
	eng.SetBatchHandler(batches)

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		log.Error("failed to initialize condition evaluator", "error", err)
		os.Exit(1)
	}

	registry := executor.NewRegistry(
		executor.NewHTTPExecutor(cfg.Worker.AllowPrivateTargets, log),
		executor.NewCodeExecutor(log),
		executor.NewDelayExecutor(log),
		executor.NewWebhookWaitExecutor(log),
		executor.NewRouterExecutor(evaluator, log),
		executor.NewLLMExecutor(log),
		executor.NewSubflowExecutor(runSvc, log),
		executor.NewMapExecutor(batches, log),
	)

	cancels := NewCancelRegistry()
	stats := metrics.NewRegistry()

	runtime := NewRuntime(
		components.Repo,
		eng,
		registry,
		cancels,
		components.Publisher,
		stats,
		log,
		cfg.Worker.TaskDeadline,
	)

	go listenForCancels(ctx, components.Redis, cancels, log)
	go logMetrics(ctx, stats, log)

	hostname, _ := os.Hostname()
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", hostname, i)
		go func(name string) {
			if err := components.Queue.Consume(ctx, name, runtime.Handle); err != nil && ctx.Err() == nil {
				log.Error("consumer stopped", "consumer", name, "error", err)
			}
		}(consumer)
	}

	log.Info("worker started",
		"concurrency", cfg.Worker.Concurrency,
		"task_deadline", cfg.Worker.TaskDeadline,
	)

	server.WaitForSignal(log)
	cancel()
}

// logMetrics dumps execution counters once a minute
func logMetrics(ctx context.Context, stats *metrics.Registry, log *logger.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for kind, snap := range stats.Snapshots() {
				log.Info("executor stats",
					"node_type", kind,
					"executions", snap.Executions,
					"failures", snap.Failures,
					"retries", snap.Retries,
					"avg_ms", snap.AvgMillis,
				)
			}
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lyzr/gridflow/common/config"
	"github.com/lyzr/gridflow/common/cronplan"
	"github.com/lyzr/gridflow/common/engine"
	"github.com/lyzr/gridflow/common/engine/mapengine"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/runs"
	"github.com/lyzr/gridflow/common/sdk"
)

// reaper passes run every reapEvery ticks, not every tick
const reapEvery = 30

// Scheduler promotes due events back into the dispatch pipeline and
// fires cron triggers. Multiple instances are safe: every claim is a
// SKIP LOCKED delete or update.
type Scheduler struct {
	repo    *repository.Store
	engine  *engine.Engine
	batches *mapengine.Engine
	runs    *runs.Service
	cfg     *config.Config
	log     *logger.Logger

	ticks int
}

// NewScheduler creates a scheduler
func NewScheduler(repo *repository.Store, eng *engine.Engine, batches *mapengine.Engine, runSvc *runs.Service, cfg *config.Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		repo:    repo,
		engine:  eng,
		batches: batches,
		runs:    runSvc,
		cfg:     cfg,
		log:     log,
	}
}

// Run ticks until ctx ends
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.Tick)
	defer ticker.Stop()

	s.log.Info("scheduler started", "tick", s.cfg.Scheduler.Tick)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.promoteDueEvents(ctx)
	s.fireDueCrons(ctx)

	s.ticks++
	if s.ticks%reapEvery == 0 {
		s.reap(ctx)
	}
}

// promoteDueEvents claims due scheduled events and replays each into
// the engine. Every handler is idempotent, so a crash after claim but
// before apply loses at most best-effort timeliness, never correctness:
// the terminal dedupe key swallows any double-apply from a competing
// path.
func (s *Scheduler) promoteDueEvents(ctx context.Context) {
	events, err := s.repo.ClaimDueEvents(ctx, s.cfg.Scheduler.ClaimBatch)
	if err != nil {
		s.log.Error("failed claiming due events", "error", err)
		return
	}

	for _, ev := range events {
		if err := s.promote(ctx, ev); err != nil {
			s.log.Error("failed promoting event",
				"kind", ev.Kind, "event_id", ev.ID, "error", err)
		}
	}
}

func (s *Scheduler) promote(ctx context.Context, ev *models.ScheduledEvent) error {
	switch ev.Kind {
	case models.ScheduleDelayWakeup:
		if ev.TargetRunID == nil {
			return fmt.Errorf("delay wakeup without run target")
		}
		return s.engine.ResumeNode(ctx, *ev.TargetRunID, ev.TargetNodeID,
			map[string]any{"delayed": true, "woke_at": time.Now()},
			false, "", "")

	case models.ScheduleRetryDispatch:
		if ev.TargetRunID == nil {
			return fmt.Errorf("retry dispatch without run target")
		}
		attempt := int(gjson.GetBytes(ev.Payload, "attempt").Int())
		nodeType := sdk.NodeKind(gjson.GetBytes(ev.Payload, "node_type").String())
		return s.engine.EnqueueTask(ctx, *ev.TargetRunID, ev.TargetNodeID, nodeType, attempt)

	case models.ScheduleWebhookExpiry:
		if ev.TargetRunID == nil {
			return fmt.Errorf("webhook expiry without run target")
		}
		payload := map[string]any{"timed_out": true}
		if token := gjson.GetBytes(ev.Payload, "token").String(); token != "" {
			// A consumed token means the node resumed before the
			// deadline; this expiry is stale
			_, err := s.repo.ConsumeSuspensionToken(ctx, token)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil && !errors.Is(err, repository.ErrTokenExpired) {
				return err
			}
			payload["token"] = token
		}
		return s.engine.ResumeNode(ctx, *ev.TargetRunID, ev.TargetNodeID,
			payload, true, sdk.ErrTimeout, "webhook wait timed out")

	case models.ScheduleCronFire:
		if ev.TargetWorkflowID == nil {
			return fmt.Errorf("cron fire without workflow target")
		}
		wf, err := s.repo.GetWorkflow(ctx, *ev.TargetWorkflowID)
		if err != nil {
			return err
		}
		return s.fireCron(ctx, wf)

	default:
		return fmt.Errorf("unknown scheduled event kind %q", ev.Kind)
	}
}

// fireDueCrons claims workflows whose cron is due and triggers a run
// for each, then restores the recomputed next fire time
func (s *Scheduler) fireDueCrons(ctx context.Context) {
	due, err := s.repo.ClaimDueCron(ctx, s.cfg.Scheduler.ClaimBatch)
	if err != nil {
		s.log.Error("failed claiming due crons", "error", err)
		return
	}

	for _, wf := range due {
		if err := s.fireCron(ctx, wf); err != nil {
			s.log.Error("failed firing cron", "workflow_id", wf.ID, "error", err)
		}

		next, err := cronplan.Next(wf.ScheduleCron, wf.ScheduleTz, time.Now())
		if err != nil {
			s.log.Error("cron expression became invalid; schedule halted",
				"workflow_id", wf.ID, "cron", wf.ScheduleCron, "error", err)
			continue
		}
		if err := s.repo.SetNextRun(ctx, wf.ID, next); err != nil {
			s.log.Error("failed storing next cron fire", "workflow_id", wf.ID, "error", err)
		}
	}
}

// fireCron applies the workflow's overlap policy and creates the run
func (s *Scheduler) fireCron(ctx context.Context, wf *models.Workflow) error {
	overlap := wf.ScheduleOverlap
	if overlap == "" {
		overlap = "skip"
	}

	if overlap != "parallel" {
		active, err := s.repo.CountActiveCronRuns(ctx, wf.ID)
		if err != nil {
			return err
		}
		switch overlap {
		case "skip":
			if active > 0 {
				s.log.Info("cron fire skipped, prior run still active", "workflow_id", wf.ID)
				return nil
			}
		case "queue_one":
			// Allow at most one queued behind the active run
			if active > 1 {
				s.log.Info("cron fire skipped, one already queued", "workflow_id", wf.ID)
				return nil
			}
		}
	}

	input, _ := json.Marshal(map[string]any{"fired_at": time.Now().UTC()})
	run, err := s.runs.CreateRun(ctx, runs.CreateRunParams{
		WorkflowID: wf.ID,
		Input:      input,
		Trigger:    sdk.TriggerCron,
	})
	if err != nil {
		return fmt.Errorf("create cron run: %w", err)
	}
	s.log.Info("cron fired", "workflow_id", wf.ID, "run_id", run.ID)
	return nil
}

// reap fails runs past their wall budget or gone quiet, expires timed
// out batches and cancels batches whose parent run is already terminal
func (s *Scheduler) reap(ctx context.Context) {
	stale, err := s.repo.ListStaleRuns(ctx, s.cfg.Scheduler.MaxRunWall, s.cfg.Scheduler.StaleAfter, s.cfg.Scheduler.ClaimBatch)
	if err != nil {
		s.log.Error("failed listing stale runs", "error", err)
	} else {
		for _, run := range stale {
			if err := s.engine.FailRun(ctx, run.ID, "run exceeded execution budget"); err != nil {
				s.log.Error("failed reaping run", "run_id", run.ID, "error", err)
			}
		}
	}

	expired, err := s.repo.ListExpiredBatches(ctx, s.cfg.Scheduler.ClaimBatch)
	if err != nil {
		s.log.Error("failed listing expired batches", "error", err)
	} else {
		for _, b := range expired {
			if err := s.batches.ExpireBatch(ctx, b.ID); err != nil {
				s.log.Error("failed expiring batch", "batch_id", b.ID, "error", err)
			}
		}
	}

	orphaned, err := s.repo.ListOrphanedBatches(ctx, s.cfg.Scheduler.ClaimBatch)
	if err != nil {
		s.log.Error("failed listing orphaned batches", "error", err)
	} else {
		for _, b := range orphaned {
			if err := s.batches.CancelBatch(ctx, b.ID, models.BatchCancelled); err != nil {
				s.log.Error("failed cancelling orphaned batch", "batch_id", b.ID, "error", err)
			}
		}
	}
}

// Package worker runs the poll-execute-report loops that drive executions
// forward: decision workers replay workflow logic, activity workers run
// side-effecting code under its start-to-close budget.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomhq/loom/internal/activity"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/scheduler"
	"github.com/loomhq/loom/internal/store"
)

// Worker polls one task queue with a configurable number of decision and
// activity goroutines.
type Worker struct {
	id         string
	queue      string
	engine     *engine.Engine
	scheduler  *scheduler.Scheduler
	activities *activity.Registry
	logger     *slog.Logger

	decisionSlots int
	activitySlots int

	wg sync.WaitGroup
}

// Config sizes a worker.
type Config struct {
	ID            string
	Queue         string
	DecisionSlots int
	ActivitySlots int
}

// New creates a worker for the given queue.
func New(cfg Config, eng *engine.Engine, sched *scheduler.Scheduler, activities *activity.Registry, logger *slog.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + model.NewID()
	}
	if cfg.Queue == "" {
		cfg.Queue = engine.DefaultTaskQueue
	}
	if cfg.DecisionSlots <= 0 {
		cfg.DecisionSlots = 1
	}
	if cfg.ActivitySlots <= 0 {
		cfg.ActivitySlots = 1
	}
	return &Worker{
		id:            cfg.ID,
		queue:         cfg.Queue,
		engine:        eng,
		scheduler:     sched,
		activities:    activities,
		logger:        logger.With("worker_id", cfg.ID, "queue", cfg.Queue),
		decisionSlots: cfg.DecisionSlots,
		activitySlots: cfg.ActivitySlots,
	}
}

// Run starts the poll loops and blocks until ctx is done and all in-flight
// tasks have been reported.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.decisionSlots; i++ {
		w.wg.Add(1)
		go func(slot int) {
			defer w.wg.Done()
			w.pollLoop(ctx, model.TaskKindDecision, fmt.Sprintf("%s/d%d", w.id, slot), w.handleDecisionTask)
		}(i)
	}
	for i := 0; i < w.activitySlots; i++ {
		w.wg.Add(1)
		go func(slot int) {
			defer w.wg.Done()
			w.pollLoop(ctx, model.TaskKindActivity, fmt.Sprintf("%s/a%d", w.id, slot), w.handleActivityTask)
		}(i)
	}
	w.wg.Wait()
}

func (w *Worker) pollLoop(ctx context.Context, kind, slotID string, handle func(ctx context.Context, task *model.Task) error) {
	for {
		task, err := w.scheduler.Poll(ctx, w.queue, kind, slotID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("poll task", "kind", kind, "error", err)
			continue
		}

		if err := handle(ctx, task); err != nil {
			// The lease keeps the task invisible until it expires, at
			// which point the sweeper redelivers it.
			w.logger.Error("handle task",
				"kind", kind,
				"task_id", task.ID,
				"execution_id", task.ExecutionID,
				"error", err,
			)
		}
	}
}

func (w *Worker) handleDecisionTask(ctx context.Context, task *model.Task) error {
	return w.engine.ProcessDecisionTask(ctx, task)
}

func (w *Worker) handleActivityTask(ctx context.Context, task *model.Task) error {
	payload, err := task.ActivityPayload()
	if err != nil {
		return fmt.Errorf("decode activity payload: %w", err)
	}

	reg, err := w.activities.Resolve(payload.ActivityType)
	if err != nil {
		// A missing registration is a deployment problem, not a transient
		// one. Failing the attempt terminally surfaces it in the workflow
		// instead of burning retries.
		return w.engine.FailActivityAttempt(ctx, task, payload, engine.AttemptFailure{
			Kind:         model.FailureApplication,
			Reason:       err.Error(),
			NonRetryable: true,
		}, nil)
	}

	result, execErr := w.runAttempt(ctx, task, payload, reg.Activity)

	switch {
	case execErr == nil:
		return w.engine.CompleteActivity(ctx, task, payload, result)
	case errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil:
		return w.engine.FailActivityAttempt(ctx, task, payload, engine.AttemptFailure{
			Kind:   model.FailureStartToClose,
			Reason: fmt.Sprintf("activity %q attempt %d exceeded its start-to-close timeout", payload.ActivityID, payload.Attempt),
		}, nil)
	case ctx.Err() != nil:
		// Shutdown mid-attempt: leave the lease in place so the attempt
		// is redelivered once it expires.
		return ctx.Err()
	default:
		return w.engine.FailActivityAttempt(ctx, task, payload, engine.AttemptFailure{
			Kind:         model.FailureApplication,
			Reason:       execErr.Error(),
			NonRetryable: activity.IsNonRetryable(execErr),
		}, nil)
	}
}

func (w *Worker) runAttempt(ctx context.Context, task *model.Task, payload *model.ActivityTaskPayload, act activity.Activity) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, payload.Timeouts.StartToCloseOrDefault())
	defer cancel()

	at := &activity.Task{
		ExecutionID:      task.ExecutionID,
		RunID:            task.RunID,
		ActivityID:       payload.ActivityID,
		Type:             payload.ActivityType,
		Input:            payload.Input,
		Attempt:          payload.Attempt,
		HeartbeatDetails: payload.HeartbeatDetails,
		HeartbeatTimeout: payload.Timeouts.Heartbeat,
	}
	if payload.Timeouts.Heartbeat > 0 {
		at.Heartbeat = func(hbCtx context.Context, details []byte) error {
			err := w.scheduler.Heartbeat(hbCtx, task, details, payload.Timeouts.Heartbeat)
			if errors.Is(err, store.ErrTaskGone) {
				// The sweeper already failed this attempt; stop the work.
				cancel()
			}
			return err
		}
	}

	result, err := act.Execute(attemptCtx, at)
	if err == nil && attemptCtx.Err() != nil {
		// An activity that ignores its context and "succeeds" after the
		// deadline still counts as timed out.
		return nil, attemptCtx.Err()
	}
	return result, err
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/store"
)

// AttemptFailure classifies one failed activity attempt.
type AttemptFailure struct {
	Kind   model.FailureKind
	Reason string
	// NonRetryable marks an application error the policy must not retry.
	// Timeout failures are always retryable until attempts are exhausted.
	NonRetryable bool
}

// CompleteActivity records a successful activity attempt and wakes the
// execution with a decision task. If the run closed while the attempt was in
// flight the result is dropped.
func (e *Engine) CompleteActivity(ctx context.Context, task *model.Task, payload *model.ActivityTaskPayload, result json.RawMessage) error {
	ev, err := model.NewEvent(model.EventActivityCompleted, model.ActivityCompletedAttrs{
		ActivityID: payload.ActivityID,
		Result:     result,
		Attempt:    payload.Attempt,
	})
	if err != nil {
		return err
	}

	del := &store.TaskDelete{ID: task.ID, LeasedBy: task.LeasedBy}
	err = e.resolveActivityTask(ctx, task, del, []*model.Event{ev}, nil)
	if err == nil {
		activityAttempts.WithLabelValues("completed").Inc()
	}
	return err
}

// FailActivityAttempt records one failed activity attempt. If the retry
// policy allows another attempt it re-enqueues the activity task with backoff
// and the last reported heartbeat progress; otherwise the failure is terminal
// and the workflow logic observes it on the next decision.
func (e *Engine) FailActivityAttempt(ctx context.Context, task *model.Task, payload *model.ActivityTaskPayload, failure AttemptFailure, del *store.TaskDelete) error {
	policy := payload.RetryPolicy
	retrying := !failure.NonRetryable && !policy.Exhausted(payload.Attempt)

	now := e.clock()
	attrs := model.ActivityFailedAttrs{
		ActivityID:     payload.ActivityID,
		Reason:         failure.Reason,
		Kind:           failure.Kind,
		Attempt:        payload.Attempt,
		NonRetryable:   failure.NonRetryable,
		RetryScheduled: retrying,
	}

	var retryTask *model.Task
	if retrying {
		nextAt := now.Add(policy.NextDelay(payload.Attempt))
		attrs.NextAttemptAt = &nextAt

		next := *payload
		next.Attempt = payload.Attempt + 1
		if task.HeartbeatDetails != nil {
			// Hand the last reported progress to the retry so it resumes
			// rather than restarting from scratch.
			next.HeartbeatDetails = task.HeartbeatDetails
		}
		var err error
		retryTask, err = model.NewActivityTask(task.Queue, task.ExecutionID, task.RunID, next, now, nextAt)
		if err != nil {
			return err
		}
	}

	ev, err := model.NewEvent(model.EventActivityFailed, attrs)
	if err != nil {
		return err
	}

	if del == nil {
		del = &store.TaskDelete{ID: task.ID, LeasedBy: task.LeasedBy}
	}

	var tasks []*model.Task
	if retryTask != nil {
		tasks = append(tasks, retryTask)
	}
	if err := e.resolveActivityTask(ctx, task, del, []*model.Event{ev}, tasks); err != nil {
		return err
	}

	outcome := "failed"
	if retrying {
		outcome = "retrying"
	}
	activityAttempts.WithLabelValues(outcome).Inc()
	e.logger.Warn("activity attempt failed",
		"execution_id", task.ExecutionID,
		"activity_id", payload.ActivityID,
		"attempt", payload.Attempt,
		"kind", failure.Kind,
		"retrying", retrying,
		"reason", failure.Reason,
	)
	return nil
}

// resolveActivityTask commits an attempt outcome: its events, the task ack,
// any retry task, and a decision task when the outcome is one the workflow
// logic must observe. The deleted task row arbitrates racing resolvers.
func (e *Engine) resolveActivityTask(ctx context.Context, task *model.Task, del *store.TaskDelete, events []*model.Event, extraTasks []*model.Task) error {
	// A retrying failure does not need a decision: the workflow stays
	// suspended on the same logical activity.
	wake := true
	for _, ev := range events {
		if ev.Kind == model.EventActivityFailed {
			var attrs model.ActivityFailedAttrs
			if err := ev.DecodeAttrs(&attrs); err != nil {
				return err
			}
			if attrs.RetryScheduled {
				wake = false
			}
		}
	}

	for range maxCommitRetries {
		exec, err := e.store.GetExecutionRun(ctx, task.ExecutionID, task.RunID)
		if errors.Is(err, store.ErrNotFound) {
			return e.store.DropTask(ctx, task.ID)
		}
		if err != nil {
			return err
		}
		if model.TerminalStatus(exec.Status) {
			return e.store.DropTask(ctx, task.ID)
		}

		now := e.clock()
		for _, ev := range events {
			ev.CreatedAt = now
		}
		req := &store.CommitRequest{
			ExecutionID:  exec.ID,
			RunID:        exec.RunID,
			LastKnownSeq: exec.LastSeq,
			Events:       events,
			EnqueueTasks: extraTasks,
			DeleteTask:   del,
		}
		if wake {
			req.EnqueueTasks = append(req.EnqueueTasks, model.NewDecisionTask(exec.TaskQueue, exec.ID, exec.RunID, now))
		}

		_, err = e.store.Commit(ctx, req)
		switch {
		case err == nil:
			eventsAppended.Add(float64(len(events)))
			return nil
		case errors.Is(err, store.ErrSeqConflict):
			continue
		case errors.Is(err, store.ErrTaskGone):
			// Another resolver (heartbeat sweeper, redelivered lease) won.
			return nil
		case errors.Is(err, store.ErrExecutionClosed):
			return e.store.DropTask(ctx, task.ID)
		default:
			return fmt.Errorf("resolve activity task %s: %w", task.ID, err)
		}
	}
	return fmt.Errorf("resolve activity task %s: %w", task.ID, store.ErrSeqConflict)
}

// FailTimedOutAttempt fails an attempt on behalf of the sweeper when the
// worker stopped heartbeating or the task sat past its schedule-to-start
// deadline. Timeouts count against the retry policy like any other failure.
func (e *Engine) FailTimedOutAttempt(ctx context.Context, task *model.Task, kind model.FailureKind, del *store.TaskDelete) error {
	payload, err := task.ActivityPayload()
	if err != nil {
		return fmt.Errorf("decode activity payload: %w", err)
	}

	var reason string
	switch kind {
	case model.FailureHeartbeat:
		reason = fmt.Sprintf("activity %q attempt %d missed its heartbeat deadline", payload.ActivityID, payload.Attempt)
	case model.FailureScheduleToStart:
		reason = fmt.Sprintf("activity %q was not picked up within its schedule-to-start timeout", payload.ActivityID)
	default:
		reason = fmt.Sprintf("activity %q attempt %d timed out", payload.ActivityID, payload.Attempt)
	}

	return e.FailActivityAttempt(ctx, task, payload, AttemptFailure{Kind: kind, Reason: reason}, del)
}

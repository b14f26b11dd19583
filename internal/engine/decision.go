package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/replay"
	"github.com/loomhq/loom/internal/store"
)

// ProcessDecisionTask advances one execution: replay the run's history,
// translate the resulting command batch into events, and commit them
// conditionally before anything is dispatched. A sequence conflict means
// another writer appended first (a signal, a timer fire); the whole
// replay-and-commit is retried against the fresh tail.
func (e *Engine) ProcessDecisionTask(ctx context.Context, task *model.Task) error {
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

		history, err := e.store.GetHistory(ctx, exec.ID, exec.RunID, 0)
		if err != nil {
			return err
		}

		decision, err := e.runner.Decide(exec, history)
		var ndErr *model.NonDeterminismError
		if errors.As(err, &ndErr) {
			// Replay diverged from recorded history: a workflow defect,
			// fatal to the execution and never retried.
			decisionsProcessed.WithLabelValues("non_determinism").Inc()
			e.logger.Error("non-deterministic replay",
				"execution_id", exec.ID, "run_id", exec.RunID, "error", ndErr)
			return e.failNonDeterministic(ctx, exec, task, ndErr)
		}
		if err != nil {
			decisionsProcessed.WithLabelValues("error").Inc()
			return fmt.Errorf("decide %s/%s: %w", exec.ID, exec.RunID, err)
		}

		req, err := e.translateDecision(exec, task, decision)
		if err != nil {
			return err
		}

		_, err = e.store.Commit(ctx, req)
		switch {
		case err == nil:
			decisionsProcessed.WithLabelValues("ok").Inc()
			eventsAppended.Add(float64(len(req.Events)))
			return nil
		case errors.Is(err, store.ErrSeqConflict), errors.Is(err, store.ErrTimerResolved):
			continue
		case errors.Is(err, store.ErrTaskGone):
			// Another worker resolved this task after our lease lapsed.
			return nil
		case errors.Is(err, store.ErrExecutionClosed):
			return e.store.DropTask(ctx, task.ID)
		default:
			return fmt.Errorf("commit decision for %s/%s: %w", exec.ID, exec.RunID, err)
		}
	}
	return fmt.Errorf("process decision for %s/%s: %w", task.ExecutionID, task.RunID, store.ErrSeqConflict)
}

// translateDecision turns a command batch into one atomic commit: history
// events plus the task, timer, and execution projection changes they imply.
func (e *Engine) translateDecision(exec *model.Execution, task *model.Task, decision *replay.Decision) (*store.CommitRequest, error) {
	now := e.clock()
	req := &store.CommitRequest{
		ExecutionID:  exec.ID,
		RunID:        exec.RunID,
		LastKnownSeq: exec.LastSeq,
		DeleteTask:   &store.TaskDelete{ID: task.ID, LeasedBy: task.LeasedBy},
	}
	if !decision.Closing() {
		req.WaitState = decision.WaitState
	}

	nextSeq := exec.LastSeq
	for _, cmd := range decision.Commands {
		nextSeq++
		switch cmd.Kind {
		case replay.CommandScheduleActivity:
			sa := cmd.ScheduleActivity
			policy, timeouts := e.activityOptions(sa)
			ev, err := model.NewEvent(model.EventActivityScheduled, model.ActivityScheduledAttrs{
				ActivityID:   sa.ActivityID,
				ActivityType: sa.ActivityType,
				Input:        sa.Input,
				RetryPolicy:  policy,
				Timeouts:     timeouts,
			})
			if err != nil {
				return nil, err
			}
			ev.CreatedAt = now
			req.Events = append(req.Events, ev)

			at, err := model.NewActivityTask(exec.TaskQueue, exec.ID, exec.RunID, model.ActivityTaskPayload{
				ActivityID:   sa.ActivityID,
				ActivityType: sa.ActivityType,
				Input:        sa.Input,
				RetryPolicy:  policy,
				Timeouts:     timeouts,
				Attempt:      1,
				ScheduledSeq: nextSeq,
			}, now, now)
			if err != nil {
				return nil, err
			}
			req.EnqueueTasks = append(req.EnqueueTasks, at)

		case replay.CommandStartTimer:
			st := cmd.StartTimer
			ev, err := model.NewEvent(model.EventTimerStarted, model.TimerStartedAttrs{
				TimerID: st.TimerID,
				FireAt:  st.FireAt,
			})
			if err != nil {
				return nil, err
			}
			ev.CreatedAt = now
			req.Events = append(req.Events, ev)
			req.CreateTimers = append(req.CreateTimers, &model.Timer{
				ExecutionID: exec.ID,
				RunID:       exec.RunID,
				TimerID:     st.TimerID,
				FireAt:      st.FireAt,
				Status:      model.TimerPending,
				CreatedAt:   now,
			})

		case replay.CommandCancelTimer:
			ct := cmd.CancelTimer
			ev, err := model.NewEvent(model.EventTimerCancelled, model.TimerCancelledAttrs{TimerID: ct.TimerID})
			if err != nil {
				return nil, err
			}
			ev.CreatedAt = now
			req.Events = append(req.Events, ev)
			req.CancelTimerIDs = append(req.CancelTimerIDs, ct.TimerID)

		case replay.CommandCompleteExecution:
			ev, err := model.NewEvent(model.EventExecutionCompleted, model.ExecutionCompletedAttrs{
				Result: cmd.Complete.Result,
			})
			if err != nil {
				return nil, err
			}
			ev.CreatedAt = now
			req.Events = append(req.Events, ev)
			e.close(req, model.StatusCompleted, "", now)
			req.Result = cmd.Complete.Result

		case replay.CommandFailExecution:
			ev, err := model.NewEvent(model.EventExecutionFailed, model.ExecutionFailedAttrs{
				Reason: cmd.Fail.Reason,
			})
			if err != nil {
				return nil, err
			}
			ev.CreatedAt = now
			req.Events = append(req.Events, ev)
			e.close(req, model.StatusFailed, cmd.Fail.Reason, now)

		case replay.CommandCancelExecution:
			ev, err := model.NewEvent(model.EventExecutionCancelled, model.ExecutionCancelledAttrs{
				Reason: cmd.Cancel.Reason,
			})
			if err != nil {
				return nil, err
			}
			ev.CreatedAt = now
			req.Events = append(req.Events, ev)
			e.close(req, model.StatusCancelled, cmd.Cancel.Reason, now)

		case replay.CommandContinueAsNew:
			if err := e.translateContinueAsNew(exec, req, cmd.ContinueAsNew, now); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("unknown command kind %q", cmd.Kind)
		}
	}
	return req, nil
}

// activityOptions resolves the retry policy and timeouts a schedule command
// runs under: an explicit choice on the command wins, then the defaults the
// activity type was registered with, then the built-in policy. The resolved
// values land in the scheduled event and the task payload so later attempts
// replay them unchanged.
func (e *Engine) activityOptions(sa *replay.ScheduleActivityCommand) (model.RetryPolicy, model.ActivityTimeouts) {
	policy := sa.RetryPolicy
	timeouts := sa.Timeouts
	if e.defaults != nil && (policy == nil || timeouts == nil) {
		regPolicy, regTimeouts := e.defaults.Defaults(sa.ActivityType)
		if policy == nil {
			policy = regPolicy
		}
		if timeouts == nil {
			timeouts = regTimeouts
		}
	}
	if policy == nil {
		p := model.DefaultRetryPolicy()
		policy = &p
	}
	if timeouts == nil {
		timeouts = &model.ActivityTimeouts{}
	}
	return *policy, *timeouts
}

func (e *Engine) close(req *store.CommitRequest, status, errMsg string, now time.Time) {
	req.Status = status
	req.ErrorMsg = errMsg
	closedAt := now
	req.ClosedAt = &closedAt
	executionsClosed.WithLabelValues(status).Inc()
}

// translateContinueAsNew closes the current run and starts its successor with
// fresh history in the same commit, so the dedup key never observes a gap.
func (e *Engine) translateContinueAsNew(exec *model.Execution, req *store.CommitRequest, cmd *replay.ContinueAsNewCommand, now time.Time) error {
	newRunID := model.NewRunID()

	ev, err := model.NewEvent(model.EventExecutionContinuedAsNew, model.ExecutionContinuedAsNewAttrs{
		NewRunID: newRunID,
		Input:    cmd.Input,
	})
	if err != nil {
		return err
	}
	ev.CreatedAt = now
	req.Events = append(req.Events, ev)
	e.close(req, model.StatusContinuedAsNew, "", now)

	req.NewExecution = &model.Execution{
		ID:           exec.ID,
		RunID:        newRunID,
		WorkflowType: exec.WorkflowType,
		TaskQueue:    exec.TaskQueue,
		DedupKey:     exec.DedupKey,
		Status:       model.StatusRunning,
		WaitState:    model.WaitExecuting,
		Input:        cmd.Input,
		CreatedAt:    now,
	}
	startEvent, err := model.NewEvent(model.EventExecutionStarted, model.ExecutionStartedAttrs{
		WorkflowType:  exec.WorkflowType,
		Input:         cmd.Input,
		DedupKey:      exec.DedupKey,
		TaskQueue:     exec.TaskQueue,
		PreviousRunID: exec.RunID,
	})
	if err != nil {
		return err
	}
	startEvent.CreatedAt = now
	req.NewExecutionEvent = startEvent
	req.NewExecutionTask = model.NewDecisionTask(exec.TaskQueue, exec.ID, newRunID, now)
	return nil
}

// failNonDeterministic records a replay divergence as a terminal execution
// failure, surfacing the detail for operator diagnosis.
func (e *Engine) failNonDeterministic(ctx context.Context, exec *model.Execution, task *model.Task, ndErr *model.NonDeterminismError) error {
	for range maxCommitRetries {
		now := e.clock()
		ev, err := model.NewEvent(model.EventExecutionFailed, model.ExecutionFailedAttrs{
			Reason:           ndErr.Error(),
			NonDeterministic: true,
		})
		if err != nil {
			return err
		}
		ev.CreatedAt = now

		req := &store.CommitRequest{
			ExecutionID:  exec.ID,
			RunID:        exec.RunID,
			LastKnownSeq: exec.LastSeq,
			Events:       []*model.Event{ev},
			DeleteTask:   &store.TaskDelete{ID: task.ID, LeasedBy: task.LeasedBy},
		}
		e.close(req, model.StatusFailed, ndErr.Error(), now)

		_, err = e.store.Commit(ctx, req)
		switch {
		case err == nil, errors.Is(err, store.ErrTaskGone):
			return nil
		case errors.Is(err, store.ErrSeqConflict):
			fresh, gerr := e.store.GetExecutionRun(ctx, exec.ID, exec.RunID)
			if gerr != nil {
				return gerr
			}
			exec = fresh
			continue
		case errors.Is(err, store.ErrExecutionClosed):
			return e.store.DropTask(ctx, task.ID)
		default:
			return err
		}
	}
	return fmt.Errorf("fail execution %s/%s: %w", exec.ID, exec.RunID, store.ErrSeqConflict)
}

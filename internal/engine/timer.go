package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/store"
)

// FireTimer records a timer_fired event and wakes the execution. If the
// timer was cancelled first, or the run already closed, the fire is dropped:
// first committed wins via history sequence order.
func (e *Engine) FireTimer(ctx context.Context, timer *model.Timer) error {
	for range maxCommitRetries {
		exec, err := e.store.GetExecutionRun(ctx, timer.ExecutionID, timer.RunID)
		if errors.Is(err, store.ErrNotFound) {
			return e.store.ResolveTimer(ctx, timer.ExecutionID, timer.RunID, timer.TimerID, model.TimerCancelled)
		}
		if err != nil {
			return err
		}
		if model.TerminalStatus(exec.Status) {
			return e.store.ResolveTimer(ctx, timer.ExecutionID, timer.RunID, timer.TimerID, model.TimerCancelled)
		}

		now := e.clock()
		ev, err := model.NewEvent(model.EventTimerFired, model.TimerFiredAttrs{TimerID: timer.TimerID})
		if err != nil {
			return err
		}
		ev.CreatedAt = now

		_, err = e.store.Commit(ctx, &store.CommitRequest{
			ExecutionID:  exec.ID,
			RunID:        exec.RunID,
			LastKnownSeq: exec.LastSeq,
			Events:       []*model.Event{ev},
			FireTimerIDs: []string{timer.TimerID},
			EnqueueTasks: []*model.Task{model.NewDecisionTask(exec.TaskQueue, exec.ID, exec.RunID, now)},
		})
		switch {
		case err == nil:
			timersFired.Inc()
			eventsAppended.Inc()
			return nil
		case errors.Is(err, store.ErrSeqConflict):
			continue
		case errors.Is(err, store.ErrTimerResolved):
			// Cancellation landed first.
			return nil
		case errors.Is(err, store.ErrExecutionClosed):
			return e.store.ResolveTimer(ctx, timer.ExecutionID, timer.RunID, timer.TimerID, model.TimerCancelled)
		default:
			return fmt.Errorf("fire timer %s/%s/%s: %w", timer.ExecutionID, timer.RunID, timer.TimerID, err)
		}
	}
	return fmt.Errorf("fire timer %s/%s/%s: %w", timer.ExecutionID, timer.RunID, timer.TimerID, store.ErrSeqConflict)
}

package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// historyBuilder accumulates events with increasing seq and timestamps.
type historyBuilder struct {
	events []*model.Event
	at     time.Time
}

func newHistory() *historyBuilder {
	return &historyBuilder{at: base}
}

func (h *historyBuilder) add(kind model.EventKind, attrs any) *historyBuilder {
	e := model.MustEvent(kind, attrs)
	e.Seq = int64(len(h.events) + 1)
	e.CreatedAt = h.at
	h.events = append(h.events, e)
	h.at = h.at.Add(time.Second)
	return h
}

func started(h *historyBuilder, workflowType string, input json.RawMessage) *historyBuilder {
	return h.add(model.EventExecutionStarted, model.ExecutionStartedAttrs{
		WorkflowType: workflowType,
		Input:        input,
		TaskQueue:    "default",
	})
}

func testRunner(t *testing.T, workflowType string, fn WorkflowFunc) *Runner {
	t.Helper()
	reg := NewRegistry()
	reg.Register(workflowType, fn)
	return NewRunner(reg)
}

func testExec(workflowType string) *model.Execution {
	return &model.Execution{
		ID:           "exec-1",
		RunID:        "run-1",
		WorkflowType: workflowType,
		Status:       model.StatusRunning,
	}
}

// twoStep schedules activity "a" then "b" and completes with b's result.
func twoStep(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
	ra, err := ctx.ExecuteActivity("a", "step", nil)
	if err != nil {
		return nil, err
	}
	rb, err := ctx.ExecuteActivity("b", "step", ra)
	if err != nil {
		return nil, err
	}
	return rb, nil
}

func TestDecideSchedulesFirstActivity(t *testing.T) {
	r := testRunner(t, "two-step", twoStep)
	h := started(newHistory(), "two-step", nil)

	d, err := r.Decide(testExec("two-step"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	cmd := d.Commands[0]
	require.Equal(t, CommandScheduleActivity, cmd.Kind)
	assert.Equal(t, "a", cmd.ScheduleActivity.ActivityID)
	assert.Equal(t, "step", cmd.ScheduleActivity.ActivityType)
	assert.Nil(t, cmd.ScheduleActivity.RetryPolicy)
	assert.Nil(t, cmd.ScheduleActivity.Timeouts)
	assert.Equal(t, model.WaitOnActivity, d.WaitState)
	assert.False(t, d.Closing())
}

func TestDecideIsDeterministic(t *testing.T) {
	r := testRunner(t, "two-step", twoStep)
	h := started(newHistory(), "two-step", nil).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "a", ActivityType: "step"}).
		add(model.EventActivityCompleted, model.ActivityCompletedAttrs{ActivityID: "a", Result: json.RawMessage(`1`), Attempt: 1})

	first, err := r.Decide(testExec("two-step"), h.events)
	require.NoError(t, err)
	second, err := r.Decide(testExec("two-step"), h.events)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Replaying past a's recorded result schedules b, not a again.
	require.Len(t, first.Commands, 1)
	assert.Equal(t, "b", first.Commands[0].ScheduleActivity.ActivityID)
	assert.Equal(t, json.RawMessage(`1`), first.Commands[0].ScheduleActivity.Input)
}

func TestDecideCompletes(t *testing.T) {
	r := testRunner(t, "two-step", twoStep)
	h := started(newHistory(), "two-step", nil).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "a", ActivityType: "step"}).
		add(model.EventActivityCompleted, model.ActivityCompletedAttrs{ActivityID: "a", Result: json.RawMessage(`1`), Attempt: 1}).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "b", ActivityType: "step"}).
		add(model.EventActivityCompleted, model.ActivityCompletedAttrs{ActivityID: "b", Result: json.RawMessage(`2`), Attempt: 1})

	d, err := r.Decide(testExec("two-step"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	require.Equal(t, CommandCompleteExecution, d.Commands[0].Kind)
	assert.Equal(t, json.RawMessage(`2`), d.Commands[0].Complete.Result)
	assert.True(t, d.Closing())
}

func TestDecideRetryScheduledKeepsWaiting(t *testing.T) {
	r := testRunner(t, "two-step", twoStep)
	h := started(newHistory(), "two-step", nil).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "a", ActivityType: "step"}).
		add(model.EventActivityFailed, model.ActivityFailedAttrs{
			ActivityID: "a", Reason: "transient", Kind: model.FailureApplication,
			Attempt: 1, RetryScheduled: true,
		})

	d, err := r.Decide(testExec("two-step"), h.events)
	require.NoError(t, err)
	// The attempt failure is not a terminal result; the run stays suspended
	// on the activity and schedules nothing new.
	assert.Empty(t, d.Commands)
	assert.Equal(t, model.WaitOnActivity, d.WaitState)
}

func TestDecideTerminalActivityFailureSurfacesToLogic(t *testing.T) {
	handled := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		_, err := ctx.ExecuteActivity("a", "step", nil)
		var actErr *model.ActivityError
		if errors.As(err, &actErr) {
			return json.RawMessage(fmt.Sprintf(`{"recovered":%q}`, actErr.Reason)), nil
		}
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
	r := testRunner(t, "handled", handled)

	h := started(newHistory(), "handled", nil).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "a", ActivityType: "step"}).
		add(model.EventActivityFailed, model.ActivityFailedAttrs{
			ActivityID: "a", Reason: "boom", Kind: model.FailureApplication, Attempt: 3,
		})

	d, err := r.Decide(testExec("handled"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	require.Equal(t, CommandCompleteExecution, d.Commands[0].Kind)
	assert.JSONEq(t, `{"recovered":"boom"}`, string(d.Commands[0].Complete.Result))
}

func TestDecideUnhandledActivityErrorFailsExecution(t *testing.T) {
	r := testRunner(t, "two-step", twoStep)
	h := started(newHistory(), "two-step", nil).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "a", ActivityType: "step"}).
		add(model.EventActivityFailed, model.ActivityFailedAttrs{
			ActivityID: "a", Reason: "exhausted", Kind: model.FailureApplication, Attempt: 3,
		})

	d, err := r.Decide(testExec("two-step"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	require.Equal(t, CommandFailExecution, d.Commands[0].Kind)
	assert.Contains(t, d.Commands[0].Fail.Reason, "exhausted")
}

func TestTimerLifecycle(t *testing.T) {
	fireAt := base.Add(time.Hour)
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := ctx.StartTimer("wake", fireAt); err != nil {
			return nil, err
		}
		return json.RawMessage(`"woke"`), nil
	}
	r := testRunner(t, "timed", wf)

	h := started(newHistory(), "timed", nil)
	d, err := r.Decide(testExec("timed"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	require.Equal(t, CommandStartTimer, d.Commands[0].Kind)
	assert.Equal(t, fireAt, d.Commands[0].StartTimer.FireAt)
	assert.Equal(t, model.WaitOnTimer, d.WaitState)

	h.add(model.EventTimerStarted, model.TimerStartedAttrs{TimerID: "wake", FireAt: fireAt})
	d, err = r.Decide(testExec("timed"), h.events)
	require.NoError(t, err)
	assert.Empty(t, d.Commands, "already-started timer must not be scheduled again")

	h.add(model.EventTimerFired, model.TimerFiredAttrs{TimerID: "wake"})
	d, err = r.Decide(testExec("timed"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	assert.Equal(t, CommandCompleteExecution, d.Commands[0].Kind)
}

func TestCancelledTimerReturnsErrTimerCancelled(t *testing.T) {
	var sawCancelled bool
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		err := ctx.StartTimer("wake", base.Add(time.Hour))
		if errors.Is(err, ErrTimerCancelled) {
			sawCancelled = true
			return json.RawMessage(`"skipped"`), nil
		}
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
	r := testRunner(t, "timed", wf)

	h := started(newHistory(), "timed", nil).
		add(model.EventTimerStarted, model.TimerStartedAttrs{TimerID: "wake", FireAt: base.Add(time.Hour)}).
		add(model.EventTimerCancelled, model.TimerCancelledAttrs{TimerID: "wake"})

	d, err := r.Decide(testExec("timed"), h.events)
	require.NoError(t, err)
	assert.True(t, sawCancelled)
	require.Len(t, d.Commands, 1)
	assert.Equal(t, CommandCompleteExecution, d.Commands[0].Kind)
}

func TestSleepAssignsStableIDs(t *testing.T) {
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := ctx.Sleep(time.Minute); err != nil {
			return nil, err
		}
		if err := ctx.Sleep(time.Minute); err != nil {
			return nil, err
		}
		return nil, nil
	}
	r := testRunner(t, "sleepy", wf)

	h := started(newHistory(), "sleepy", nil)
	d, err := r.Decide(testExec("sleepy"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	assert.Equal(t, "sleep-1", d.Commands[0].StartTimer.TimerID)

	h.add(model.EventTimerStarted, model.TimerStartedAttrs{TimerID: "sleep-1", FireAt: base.Add(time.Minute)}).
		add(model.EventTimerFired, model.TimerFiredAttrs{TimerID: "sleep-1"})
	d, err = r.Decide(testExec("sleepy"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	assert.Equal(t, "sleep-2", d.Commands[0].StartTimer.TimerID)
}

func TestSignalsConsumedInOrder(t *testing.T) {
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		first, err := ctx.WaitSignal("approval")
		if err != nil {
			return nil, err
		}
		second, err := ctx.WaitSignal("approval")
		if err != nil {
			return nil, err
		}
		return json.RawMessage(fmt.Sprintf(`[%s,%s]`, first, second)), nil
	}
	r := testRunner(t, "gated", wf)

	h := started(newHistory(), "gated", nil)
	d, err := r.Decide(testExec("gated"), h.events)
	require.NoError(t, err)
	assert.Equal(t, model.WaitOnSignal, d.WaitState)

	h.add(model.EventSignalReceived, model.SignalReceivedAttrs{Name: "approval", Payload: json.RawMessage(`1`)})
	d, err = r.Decide(testExec("gated"), h.events)
	require.NoError(t, err)
	assert.Equal(t, model.WaitOnSignal, d.WaitState, "second wait still pending")

	h.add(model.EventSignalReceived, model.SignalReceivedAttrs{Name: "approval", Payload: json.RawMessage(`2`)})
	d, err = r.Decide(testExec("gated"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	assert.JSONEq(t, `[1,2]`, string(d.Commands[0].Complete.Result))
}

func TestCancelRequestedUnwindsCooperatively(t *testing.T) {
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if ctx.CancelRequested() {
			return nil, model.ErrCancelled
		}
		if _, err := ctx.WaitSignal("never"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	r := testRunner(t, "cancellable", wf)

	h := started(newHistory(), "cancellable", nil).
		add(model.EventCancelRequested, model.CancelRequestedAttrs{Reason: "user asked"})

	d, err := r.Decide(testExec("cancellable"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	require.Equal(t, CommandCancelExecution, d.Commands[0].Kind)
	assert.Equal(t, "user asked", d.Commands[0].Cancel.Reason)
}

func TestContinueAsNew(t *testing.T) {
	wf := func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, ctx.ContinueAsNew(json.RawMessage(`{"round":2}`))
	}
	r := testRunner(t, "looping", wf)

	h := started(newHistory(), "looping", json.RawMessage(`{"round":1}`))
	d, err := r.Decide(testExec("looping"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	require.Equal(t, CommandContinueAsNew, d.Commands[0].Kind)
	assert.JSONEq(t, `{"round":2}`, string(d.Commands[0].ContinueAsNew.Input))
}

func TestNowIsLogicalClock(t *testing.T) {
	var observed time.Time
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		observed = ctx.Now()
		return nil, nil
	}
	r := testRunner(t, "clocked", wf)

	h := started(newHistory(), "clocked", nil).
		add(model.EventSignalReceived, model.SignalReceivedAttrs{Name: "x"})

	_, err := r.Decide(testExec("clocked"), h.events)
	require.NoError(t, err)
	assert.Equal(t, h.events[len(h.events)-1].CreatedAt, observed,
		"Now() must be the timestamp of the newest history event")
}

func TestNonDeterminismActivityIDMismatch(t *testing.T) {
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		_, err := ctx.ExecuteActivity("renamed", "step", nil)
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
	r := testRunner(t, "drifted", wf)

	h := started(newHistory(), "drifted", nil).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "a", ActivityType: "step"}).
		add(model.EventActivityCompleted, model.ActivityCompletedAttrs{ActivityID: "a", Attempt: 1})

	_, err := r.Decide(testExec("drifted"), h.events)
	var ndErr *model.NonDeterminismError
	require.ErrorAs(t, err, &ndErr)
	assert.Contains(t, ndErr.Detail, `"a"`)
}

func TestNonDeterminismActivityTypeMismatch(t *testing.T) {
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		_, err := ctx.ExecuteActivity("a", "changed-type", nil)
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
	r := testRunner(t, "drifted", wf)

	h := started(newHistory(), "drifted", nil).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "a", ActivityType: "step"})

	_, err := r.Decide(testExec("drifted"), h.events)
	var ndErr *model.NonDeterminismError
	require.ErrorAs(t, err, &ndErr)
	assert.Contains(t, ndErr.Detail, "changed-type")
}

func TestNonDeterminismUntouchedRecordedEvent(t *testing.T) {
	// Logic that suspends on a signal while a recorded activity it never
	// scheduled sits in history.
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if _, err := ctx.WaitSignal("go"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	r := testRunner(t, "shrunk", wf)

	h := started(newHistory(), "shrunk", nil).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "a", ActivityType: "step"})

	_, err := r.Decide(testExec("shrunk"), h.events)
	var ndErr *model.NonDeterminismError
	require.ErrorAs(t, err, &ndErr)
	assert.Contains(t, ndErr.Detail, "never scheduled")
}

func TestTerminalDecisionToleratesSkippedAwait(t *testing.T) {
	// A signal in history lets the logic return before collecting an activity
	// result that was already scheduled. That is a deterministic function of
	// history, not a defect.
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if _, ok := ctx.ReceiveSignal("stop"); ok {
			return json.RawMessage(`"stopped"`), nil
		}
		if _, err := ctx.ExecuteActivity("step-1", "step", nil); err != nil {
			return nil, err
		}
		return json.RawMessage(`"done"`), nil
	}
	r := testRunner(t, "skippable", wf)

	h := started(newHistory(), "skippable", nil).
		add(model.EventActivityScheduled, model.ActivityScheduledAttrs{ActivityID: "step-1", ActivityType: "step"}).
		add(model.EventSignalReceived, model.SignalReceivedAttrs{Name: "stop"})

	d, err := r.Decide(testExec("skippable"), h.events)
	require.NoError(t, err)
	require.Len(t, d.Commands, 1)
	require.Equal(t, CommandCompleteExecution, d.Commands[0].Kind)
	assert.JSONEq(t, `"stopped"`, string(d.Commands[0].Complete.Result))
}

func TestDecideUnregisteredWorkflow(t *testing.T) {
	r := NewRunner(NewRegistry())
	h := started(newHistory(), "ghost", nil)

	_, err := r.Decide(testExec("ghost"), h.events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestHistoryMustBeginWithStarted(t *testing.T) {
	r := testRunner(t, "x", func(_ *Context, _ json.RawMessage) (json.RawMessage, error) { return nil, nil })

	_, err := r.Decide(testExec("x"), nil)
	require.Error(t, err)

	h := newHistory().add(model.EventSignalReceived, model.SignalReceivedAttrs{Name: "first"})
	_, err = r.Decide(testExec("x"), h.events)
	require.Error(t, err)
}

func TestQuery(t *testing.T) {
	wf := func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		seen := 0
		ctx.HandleQuery("seen", func(_ json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]int{"seen": seen})
		})
		for {
			if _, ok := ctx.ReceiveSignal("ping"); !ok {
				break
			}
			seen++
		}
		if _, err := ctx.WaitSignal("stop"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	r := testRunner(t, "queryable", wf)

	h := started(newHistory(), "queryable", nil).
		add(model.EventSignalReceived, model.SignalReceivedAttrs{Name: "ping"}).
		add(model.EventSignalReceived, model.SignalReceivedAttrs{Name: "ping"})

	result, err := r.Query(testExec("queryable"), h.events, "seen", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seen":2}`, string(result))

	_, err = r.Query(testExec("queryable"), h.events, "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no query handler")
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b-flow", WorkflowFunc(func(_ *Context, _ json.RawMessage) (json.RawMessage, error) { return nil, nil }))
	reg.Register("a-flow", WorkflowFunc(func(_ *Context, _ json.RawMessage) (json.RawMessage, error) { return nil, nil }))
	assert.Equal(t, []string{"a-flow", "b-flow"}, reg.List())
}

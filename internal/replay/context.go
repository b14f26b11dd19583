package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/model"
)

// ErrSuspend is returned by Context await methods when the awaited result is
// not yet in history. Workflow logic propagates it up out of Execute; the run
// suspends and resumes on a later decision task once the result is recorded.
var ErrSuspend = errors.New("execution suspended")

// ErrTimerCancelled is returned by StartTimer and Sleep when the awaited
// timer was cancelled instead of fired.
var ErrTimerCancelled = errors.New("timer cancelled")

type activityState struct {
	activityType string
	attempts     int
	resolved     bool
	result       json.RawMessage
	failure      *model.ActivityError
}

type timerState struct {
	fireAt time.Time
	status string
}

// Context is the only window workflow logic has onto the outside world.
// Every value it returns is derived from recorded history, which is what
// makes the logic safely re-executable. Workflow code must not perform its
// own I/O, read the wall clock, or consume randomness.
type Context struct {
	executionID  string
	runID        string
	workflowType string
	input        json.RawMessage
	now          time.Time

	activities map[string]*activityState
	timers     map[string]*timerState
	signals    map[string][]json.RawMessage
	consumed   map[string]int

	cancelRequested bool
	cancelReason    string

	commands          []Command
	waitState         string
	sleepCounter      int
	touchedActivities map[string]bool
	touchedTimers     map[string]bool
	queryHandlers     map[string]QueryHandler
}

// QueryHandler answers a side-effect-free query against the replayed state.
type QueryHandler func(args json.RawMessage) (json.RawMessage, error)

// newContext projects a history into awaitable state. The history must begin
// with an execution_started event.
func newContext(executionID, runID string, history []*model.Event) (*Context, error) {
	ctx := &Context{
		executionID:       executionID,
		runID:             runID,
		activities:        make(map[string]*activityState),
		timers:            make(map[string]*timerState),
		signals:           make(map[string][]json.RawMessage),
		consumed:          make(map[string]int),
		touchedActivities: make(map[string]bool),
		touchedTimers:     make(map[string]bool),
		queryHandlers:     make(map[string]QueryHandler),
	}

	if len(history) == 0 || history[0].Kind != model.EventExecutionStarted {
		return nil, fmt.Errorf("history must begin with %s", model.EventExecutionStarted)
	}

	for _, e := range history {
		if err := ctx.apply(e); err != nil {
			return nil, err
		}
		ctx.now = e.CreatedAt
	}
	return ctx, nil
}

func (c *Context) apply(e *model.Event) error {
	switch e.Kind {
	case model.EventExecutionStarted:
		var attrs model.ExecutionStartedAttrs
		if err := e.DecodeAttrs(&attrs); err != nil {
			return err
		}
		c.workflowType = attrs.WorkflowType
		c.input = attrs.Input

	case model.EventActivityScheduled:
		var attrs model.ActivityScheduledAttrs
		if err := e.DecodeAttrs(&attrs); err != nil {
			return err
		}
		c.activities[attrs.ActivityID] = &activityState{activityType: attrs.ActivityType}

	case model.EventActivityCompleted:
		var attrs model.ActivityCompletedAttrs
		if err := e.DecodeAttrs(&attrs); err != nil {
			return err
		}
		st := c.activities[attrs.ActivityID]
		if st == nil {
			return &model.NonDeterminismError{
				ExecutionID: c.executionID,
				RunID:       c.runID,
				Detail:      fmt.Sprintf("completion for activity %q that was never scheduled", attrs.ActivityID),
			}
		}
		st.resolved = true
		st.result = attrs.Result
		st.attempts = attrs.Attempt

	case model.EventActivityFailed:
		var attrs model.ActivityFailedAttrs
		if err := e.DecodeAttrs(&attrs); err != nil {
			return err
		}
		st := c.activities[attrs.ActivityID]
		if st == nil {
			return &model.NonDeterminismError{
				ExecutionID: c.executionID,
				RunID:       c.runID,
				Detail:      fmt.Sprintf("failure for activity %q that was never scheduled", attrs.ActivityID),
			}
		}
		st.attempts = attrs.Attempt
		if !attrs.RetryScheduled {
			st.resolved = true
			st.failure = &model.ActivityError{
				ActivityID:   attrs.ActivityID,
				Reason:       attrs.Reason,
				Kind:         attrs.Kind,
				Attempt:      attrs.Attempt,
				NonRetryable: attrs.NonRetryable,
			}
		}

	case model.EventTimerStarted:
		var attrs model.TimerStartedAttrs
		if err := e.DecodeAttrs(&attrs); err != nil {
			return err
		}
		c.timers[attrs.TimerID] = &timerState{fireAt: attrs.FireAt, status: model.TimerPending}

	case model.EventTimerFired:
		var attrs model.TimerFiredAttrs
		if err := e.DecodeAttrs(&attrs); err != nil {
			return err
		}
		if st := c.timers[attrs.TimerID]; st != nil {
			st.status = model.TimerFired
		}

	case model.EventTimerCancelled:
		var attrs model.TimerCancelledAttrs
		if err := e.DecodeAttrs(&attrs); err != nil {
			return err
		}
		if st := c.timers[attrs.TimerID]; st != nil {
			st.status = model.TimerCancelled
		}

	case model.EventSignalReceived:
		var attrs model.SignalReceivedAttrs
		if err := e.DecodeAttrs(&attrs); err != nil {
			return err
		}
		c.signals[attrs.Name] = append(c.signals[attrs.Name], attrs.Payload)

	case model.EventCancelRequested:
		var attrs model.CancelRequestedAttrs
		if err := e.DecodeAttrs(&attrs); err != nil {
			return err
		}
		c.cancelRequested = true
		c.cancelReason = attrs.Reason
	}
	return nil
}

// ExecutionID returns the id of the execution being replayed.
func (c *Context) ExecutionID() string { return c.executionID }

// RunID returns the id of the current run.
func (c *Context) RunID() string { return c.runID }

// Now returns the execution's logical clock: the timestamp of the newest
// committed history event. It is stable for the whole decision, unlike the
// wall clock, so it is safe to branch on.
func (c *Context) Now() time.Time { return c.now }

// CancelRequested reports whether cancellation was requested. Logic observing
// it should skip remaining work and return model.ErrCancelled.
func (c *Context) CancelRequested() bool { return c.cancelRequested }

// ActivityOption customizes one ExecuteActivity call.
type ActivityOption func(*ScheduleActivityCommand)

// WithRetryPolicy overrides the activity type's default retry policy for this
// invocation.
func WithRetryPolicy(p model.RetryPolicy) ActivityOption {
	return func(cmd *ScheduleActivityCommand) { cmd.RetryPolicy = &p }
}

// WithTimeouts overrides the activity type's default timeout budget for this
// invocation.
func WithTimeouts(t model.ActivityTimeouts) ActivityOption {
	return func(cmd *ScheduleActivityCommand) { cmd.Timeouts = &t }
}

// ExecuteActivity awaits the result of the logical activity identified by id.
// On first encounter it emits a ScheduleActivity command and suspends with
// ErrSuspend. Once a terminal result is in history it returns that result, or
// a *model.ActivityError the logic must handle explicitly.
func (c *Context) ExecuteActivity(id, activityType string, input json.RawMessage, opts ...ActivityOption) (json.RawMessage, error) {
	c.touchedActivities[id] = true

	st, ok := c.activities[id]
	if !ok {
		cmd := &ScheduleActivityCommand{
			ActivityID:   id,
			ActivityType: activityType,
			Input:        input,
		}
		for _, opt := range opts {
			opt(cmd)
		}
		c.commands = append(c.commands, Command{Kind: CommandScheduleActivity, ScheduleActivity: cmd})
		return nil, c.suspend(model.WaitOnActivity)
	}

	if st.activityType != activityType {
		return nil, &model.NonDeterminismError{
			ExecutionID: c.executionID,
			RunID:       c.runID,
			Detail: fmt.Sprintf("activity %q replayed as type %q but history recorded %q",
				id, activityType, st.activityType),
		}
	}
	if !st.resolved {
		return nil, c.suspend(model.WaitOnActivity)
	}
	if st.failure != nil {
		return nil, st.failure
	}
	return st.result, nil
}

// StartTimer awaits a durable wake-up at fireAt for the logical timer id.
// Returns ErrTimerCancelled if the timer was cancelled before firing.
func (c *Context) StartTimer(id string, fireAt time.Time) error {
	c.touchedTimers[id] = true

	st, ok := c.timers[id]
	if !ok {
		c.commands = append(c.commands, Command{
			Kind:       CommandStartTimer,
			StartTimer: &StartTimerCommand{TimerID: id, FireAt: fireAt.UTC()},
		})
		return c.suspend(model.WaitOnTimer)
	}

	switch st.status {
	case model.TimerFired:
		return nil
	case model.TimerCancelled:
		return ErrTimerCancelled
	default:
		return c.suspend(model.WaitOnTimer)
	}
}

// Sleep awaits a timer of the given duration with an automatically assigned
// id. Ids are assigned in call order, which is deterministic across replays.
func (c *Context) Sleep(d time.Duration) error {
	c.sleepCounter++
	id := fmt.Sprintf("sleep-%d", c.sleepCounter)
	return c.StartTimer(id, c.now.Add(d))
}

// CancelTimer removes a not-yet-fired timer. If the timer already fired, the
// fire wins and CancelTimer is a no-op.
func (c *Context) CancelTimer(id string) {
	c.touchedTimers[id] = true

	st, ok := c.timers[id]
	if !ok || st.status != model.TimerPending {
		return
	}
	st.status = model.TimerCancelled
	c.commands = append(c.commands, Command{
		Kind:        CommandCancelTimer,
		CancelTimer: &CancelTimerCommand{TimerID: id},
	})
}

// ReceiveSignal consumes the next unconsumed payload of the named signal, if
// one is recorded. It never suspends.
func (c *Context) ReceiveSignal(name string) (json.RawMessage, bool) {
	i := c.consumed[name]
	if i >= len(c.signals[name]) {
		return nil, false
	}
	c.consumed[name] = i + 1
	return c.signals[name][i], true
}

// WaitSignal awaits the next unconsumed payload of the named signal,
// suspending until one arrives.
func (c *Context) WaitSignal(name string) (json.RawMessage, error) {
	if payload, ok := c.ReceiveSignal(name); ok {
		return payload, nil
	}
	return nil, c.suspend(model.WaitOnSignal)
}

// ContinueAsNew returns the error that restarts the logical process with
// fresh history. Workflow logic returns it out of Execute.
func (c *Context) ContinueAsNew(input json.RawMessage) error {
	return &model.ContinueAsNewError{Input: input}
}

// HandleQuery registers a side-effect-free query handler. Handlers must be
// registered before the first await so they exist whenever replay suspends.
func (c *Context) HandleQuery(name string, h QueryHandler) {
	c.queryHandlers[name] = h
}

func (c *Context) suspend(waitState string) error {
	if c.waitState == "" {
		c.waitState = waitState
	}
	return ErrSuspend
}

// verifyComplete checks that replay re-derived every command-producing event
// in history. A recorded activity or timer the logic never referenced means
// the logic changed incompatibly since the history was written. Only suspended
// decisions are held to this: a terminal decision may skip in-flight awaits
// when a signal or cancellation diverts control flow.
func (c *Context) verifyComplete() error {
	for id := range c.activities {
		if !c.touchedActivities[id] {
			return &model.NonDeterminismError{
				ExecutionID: c.executionID,
				RunID:       c.runID,
				Detail:      fmt.Sprintf("history recorded activity %q but replay never scheduled it", id),
			}
		}
	}
	for id := range c.timers {
		if !c.touchedTimers[id] {
			return &model.NonDeterminismError{
				ExecutionID: c.executionID,
				RunID:       c.runID,
				Detail:      fmt.Sprintf("history recorded timer %q but replay never started it", id),
			}
		}
	}
	return nil
}

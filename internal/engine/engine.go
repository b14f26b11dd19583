package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/replay"
	"github.com/loomhq/loom/internal/store"
)

// DefaultTaskQueue is used when a start request names no task queue.
const DefaultTaskQueue = "default"

// maxCommitRetries bounds how often an optimistic append is retried against a
// fresh history tail before giving up. Conflicts are expected and cheap; a
// run hot enough to exhaust this is left for the next lease.
const maxCommitRetries = 10

// ActivityDefaults supplies per-type retry and timeout defaults for scheduled
// activities; the activity registry implements it. Either return may be nil
// when the type carries no default of that kind.
type ActivityDefaults interface {
	Defaults(activityType string) (*model.RetryPolicy, *model.ActivityTimeouts)
}

// Engine orchestrates execution lifecycles over the durable store.
type Engine struct {
	store    store.Store
	runner   *replay.Runner
	logger   *slog.Logger
	clock    func() time.Time
	defaults ActivityDefaults
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock, used by tests to control logical
// time.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithActivityDefaults makes scheduled activities inherit the retry policy
// and timeouts registered for their type when the workflow sets none.
func WithActivityDefaults(d ActivityDefaults) Option {
	return func(e *Engine) { e.defaults = d }
}

// NewEngine creates an execution engine.
func NewEngine(s store.Store, runner *replay.Runner, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		runner: runner,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRequest describes a new execution to start.
type StartRequest struct {
	// ExecutionID is optional; one is generated when empty.
	ExecutionID  string          `json:"execution_id,omitempty"`
	WorkflowType string          `json:"workflow_type"`
	Input        json.RawMessage `json:"input,omitempty"`
	// DedupKey prevents duplicate submissions: starting while another
	// execution with the same key is running fails with ErrAlreadyExists.
	// Defaults to ExecutionID when that is set.
	DedupKey  string `json:"dedup_key,omitempty"`
	TaskQueue string `json:"task_queue,omitempty"`
}

// StartExecution creates an execution, appends its execution_started event,
// and enqueues the first decision task, all atomically. Returns
// store.ErrAlreadyExists when the deduplication key is already running.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*model.Execution, error) {
	if req.WorkflowType == "" {
		return nil, fmt.Errorf("workflow type is required")
	}

	execID := req.ExecutionID
	if execID == "" {
		execID = model.NewID()
	}
	dedup := req.DedupKey
	if dedup == "" {
		dedup = req.ExecutionID
	}
	queue := req.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}

	now := e.clock()
	exec := &model.Execution{
		ID:           execID,
		RunID:        model.NewRunID(),
		WorkflowType: req.WorkflowType,
		TaskQueue:    queue,
		DedupKey:     dedup,
		Status:       model.StatusRunning,
		WaitState:    model.WaitExecuting,
		Input:        req.Input,
		CreatedAt:    now,
	}

	startEvent, err := model.NewEvent(model.EventExecutionStarted, model.ExecutionStartedAttrs{
		WorkflowType: req.WorkflowType,
		Input:        req.Input,
		DedupKey:     dedup,
		TaskQueue:    queue,
	})
	if err != nil {
		return nil, err
	}
	startEvent.CreatedAt = now

	task := model.NewDecisionTask(queue, exec.ID, exec.RunID, now)
	if err := e.store.CreateExecution(ctx, exec, startEvent, task); err != nil {
		return nil, err
	}

	executionsStarted.Inc()
	e.logger.Info("execution started",
		"execution_id", exec.ID,
		"run_id", exec.RunID,
		"workflow_type", exec.WorkflowType,
		"task_queue", queue,
	)
	return exec, nil
}

// SignalExecution appends a signal event to a running execution. The effect
// is deferred: workflow-visible state changes only when the next decision
// task replays the signal.
func (e *Engine) SignalExecution(ctx context.Context, executionID, name string, payload json.RawMessage) error {
	ev, err := model.NewEvent(model.EventSignalReceived, model.SignalReceivedAttrs{
		Name:    name,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return e.appendToLatestRun(ctx, executionID, ev)
}

// CancelExecution requests cooperative cancellation of a running execution.
// The workflow logic observes the request at its next suspension point.
func (e *Engine) CancelExecution(ctx context.Context, executionID, reason string) error {
	ev, err := model.NewEvent(model.EventCancelRequested, model.CancelRequestedAttrs{Reason: reason})
	if err != nil {
		return err
	}
	return e.appendToLatestRun(ctx, executionID, ev)
}

// appendToLatestRun appends one event to the latest run of an execution and
// wakes it with a decision task, retrying optimistic-append conflicts.
func (e *Engine) appendToLatestRun(ctx context.Context, executionID string, ev *model.Event) error {
	for range maxCommitRetries {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if model.TerminalStatus(exec.Status) {
			return store.ErrExecutionClosed
		}

		now := e.clock()
		ev.CreatedAt = now
		_, err = e.store.Commit(ctx, &store.CommitRequest{
			ExecutionID:  exec.ID,
			RunID:        exec.RunID,
			LastKnownSeq: exec.LastSeq,
			Events:       []*model.Event{ev},
			EnqueueTasks: []*model.Task{model.NewDecisionTask(exec.TaskQueue, exec.ID, exec.RunID, now)},
		})
		if errors.Is(err, store.ErrSeqConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("append to %s: %w", executionID, store.ErrSeqConflict)
}

// DescribeResponse is a status snapshot of an execution plus its most recent
// history events for diagnosis.
type DescribeResponse struct {
	Execution    *model.Execution `json:"execution"`
	RecentEvents []*model.Event   `json:"recent_events"`
}

// describeEventWindow is how many trailing history events a describe carries.
const describeEventWindow = 20

// DescribeExecution returns the latest run's status snapshot.
func (e *Engine) DescribeExecution(ctx context.Context, executionID string) (*DescribeResponse, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	after := exec.LastSeq - describeEventWindow
	if after < 0 {
		after = 0
	}
	events, err := e.store.GetHistory(ctx, exec.ID, exec.RunID, after)
	if err != nil {
		return nil, err
	}
	return &DescribeResponse{Execution: exec, RecentEvents: events}, nil
}

// QueryExecution answers a side-effect-free query against the latest run's
// replayed state.
func (e *Engine) QueryExecution(ctx context.Context, executionID, name string, args json.RawMessage) (json.RawMessage, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.GetHistory(ctx, exec.ID, exec.RunID, 0)
	if err != nil {
		return nil, err
	}
	return e.runner.Query(exec, history, name, args)
}

// GetHistory returns the full event history of the latest run.
func (e *Engine) GetHistory(ctx context.Context, executionID string) ([]*model.Event, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return e.store.GetHistory(ctx, exec.ID, exec.RunID, 0)
}

package replay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/model"
)

// Workflow is implemented by workflow definitions. Execute contains the
// step-by-step logic: it awaits activities, timers, and signals through the
// Context and must be deterministic with respect to the recorded history.
//
// Execute returns (result, nil) to complete the execution, ErrSuspend
// (propagated from an await) to suspend it, model.ErrCancelled to end it as
// cancelled, a *model.ContinueAsNewError to restart with fresh history, and
// any other error to fail it.
type Workflow interface {
	Execute(ctx *Context, input json.RawMessage) (json.RawMessage, error)
}

// WorkflowFunc adapts a plain function to the Workflow interface.
type WorkflowFunc func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// Execute calls f.
func (f WorkflowFunc) Execute(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// Runner produces decisions by replaying workflow logic over histories.
type Runner struct {
	registry *Registry
}

// NewRunner creates a runner resolving workflow types from the registry.
func NewRunner(registry *Registry) *Runner {
	return &Runner{registry: registry}
}

// Decide replays the run's full history through its workflow logic and
// returns the next decision. The returned error is non-nil only for defects:
// an unregistered workflow type, a malformed history, or a
// *model.NonDeterminismError; ordinary workflow failure becomes a
// FailExecution command, not an error.
func (r *Runner) Decide(exec *model.Execution, history []*model.Event) (*Decision, error) {
	wf, err := r.registry.Resolve(exec.WorkflowType)
	if err != nil {
		return nil, err
	}

	ctx, err := newContext(exec.ID, exec.RunID, history)
	if err != nil {
		return nil, err
	}

	result, err := wf.Execute(ctx, ctx.input)

	var ndErr *model.NonDeterminismError
	var canErr *model.ContinueAsNewError
	switch {
	case errors.As(err, &ndErr):
		return nil, ndErr
	case errors.Is(err, ErrSuspend):
		if verr := ctx.verifyComplete(); verr != nil {
			return nil, verr
		}
		ws := ctx.waitState
		if ws == "" {
			ws = model.WaitExecuting
		}
		return &Decision{Commands: ctx.commands, WaitState: ws}, nil
	case errors.As(err, &canErr):
		return r.closing(ctx, Command{
			Kind:          CommandContinueAsNew,
			ContinueAsNew: &ContinueAsNewCommand{Input: canErr.Input},
		})
	case errors.Is(err, model.ErrCancelled):
		return r.closing(ctx, Command{
			Kind:   CommandCancelExecution,
			Cancel: &CancelExecutionCommand{Reason: ctx.cancelReason},
		})
	case err != nil:
		return r.closing(ctx, Command{
			Kind: CommandFailExecution,
			Fail: &FailExecutionCommand{Reason: err.Error()},
		})
	default:
		return r.closing(ctx, Command{
			Kind:     CommandCompleteExecution,
			Complete: &CompleteExecutionCommand{Result: result},
		})
	}
}

// closing finalizes a terminal decision. Commands emitted on the way to the
// terminal outcome (for example a schedule the logic raced past) are dropped:
// a closing run schedules no further work. Recorded events the logic never
// touched are tolerated here, unlike on suspension: a signal or cancellation
// in history legitimately short-circuits past in-flight awaits.
func (r *Runner) closing(ctx *Context, terminal Command) (*Decision, error) {
	return &Decision{Commands: []Command{terminal}}, nil
}

// Query replays the run's history and answers the named query from the
// handler the workflow logic registered. It schedules nothing and records
// nothing: a side-effect-free read against current replayed state.
func (r *Runner) Query(exec *model.Execution, history []*model.Event, name string, args json.RawMessage) (json.RawMessage, error) {
	wf, err := r.registry.Resolve(exec.WorkflowType)
	if err != nil {
		return nil, err
	}

	ctx, err := newContext(exec.ID, exec.RunID, history)
	if err != nil {
		return nil, err
	}

	_, err = wf.Execute(ctx, ctx.input)
	var ndErr *model.NonDeterminismError
	if errors.As(err, &ndErr) {
		return nil, ndErr
	}

	h, ok := ctx.queryHandlers[name]
	if !ok {
		return nil, fmt.Errorf("workflow %s has no query handler %q", exec.WorkflowType, name)
	}
	return h(args)
}

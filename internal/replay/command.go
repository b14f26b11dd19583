package replay

import (
	"encoding/json"
	"time"

	"github.com/loomhq/loom/internal/model"
)

// CommandKind identifies the type of a command produced by one decision.
type CommandKind string

// Command kinds.
const (
	CommandScheduleActivity  CommandKind = "schedule_activity"
	CommandStartTimer        CommandKind = "start_timer"
	CommandCancelTimer       CommandKind = "cancel_timer"
	CommandCompleteExecution CommandKind = "complete_execution"
	CommandFailExecution     CommandKind = "fail_execution"
	CommandCancelExecution   CommandKind = "cancel_execution"
	CommandContinueAsNew     CommandKind = "continue_as_new"
)

// Command is a transient output of replay. It is never persisted itself; the
// engine translates it into history events before anything is dispatched.
type Command struct {
	Kind CommandKind

	ScheduleActivity *ScheduleActivityCommand
	StartTimer       *StartTimerCommand
	CancelTimer      *CancelTimerCommand
	Complete         *CompleteExecutionCommand
	Fail             *FailExecutionCommand
	Cancel           *CancelExecutionCommand
	ContinueAsNew    *ContinueAsNewCommand
}

// ScheduleActivityCommand requests one logical activity invocation.
// RetryPolicy and Timeouts are nil when the workflow left them unset; the
// engine then applies the activity type's registered defaults before the
// schedule is recorded.
type ScheduleActivityCommand struct {
	ActivityID   string
	ActivityType string
	Input        json.RawMessage
	RetryPolicy  *model.RetryPolicy
	Timeouts     *model.ActivityTimeouts
}

// StartTimerCommand requests a durable wake-up at FireAt.
type StartTimerCommand struct {
	TimerID string
	FireAt  time.Time
}

// CancelTimerCommand removes a not-yet-fired timer.
type CancelTimerCommand struct {
	TimerID string
}

// CompleteExecutionCommand ends the execution successfully.
type CompleteExecutionCommand struct {
	Result json.RawMessage
}

// FailExecutionCommand ends the execution with a failure reason.
type FailExecutionCommand struct {
	Reason string
}

// CancelExecutionCommand ends the execution after cooperative cancellation.
type CancelExecutionCommand struct {
	Reason string
}

// ContinueAsNewCommand restarts the logical process with fresh history.
type ContinueAsNewCommand struct {
	Input json.RawMessage
}

// Decision is the outcome of replaying a history: the next command batch and,
// when the execution stays open, the wait state it suspends in. Replaying the
// same history twice yields an identical Decision.
type Decision struct {
	Commands  []Command
	WaitState string
}

// Closing reports whether the decision carries a terminal command.
func (d *Decision) Closing() bool {
	for _, c := range d.Commands {
		switch c.Kind {
		case CommandCompleteExecution, CommandFailExecution, CommandCancelExecution, CommandContinueAsNew:
			return true
		}
	}
	return false
}

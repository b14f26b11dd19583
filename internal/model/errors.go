package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCancelled is returned by workflow logic that observed a cancellation
// request and unwound cooperatively. The engine records the execution as
// cancelled rather than failed.
var ErrCancelled = errors.New("execution cancelled")

// ActivityError is the terminal failure of a logical activity, observed by
// workflow logic after retries are exhausted or a non-retryable failure. It is
// not automatically an execution failure; the logic must handle it explicitly.
type ActivityError struct {
	ActivityID   string
	Reason       string
	Kind         FailureKind
	Attempt      int
	NonRetryable bool
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed (%s, attempt %d): %s", e.ActivityID, e.Kind, e.Attempt, e.Reason)
}

// ContinueAsNewError restarts the logical process with fresh history, bounding
// unbounded history growth. Workflow logic returns it from Execute.
type ContinueAsNewError struct {
	Input json.RawMessage
}

func (e *ContinueAsNewError) Error() string {
	return "continue as new"
}

// NonDeterminismError reports that replaying a history diverged from the
// recorded command sequence. It is a workflow defect: fatal to the execution,
// never retried.
type NonDeterminismError struct {
	ExecutionID string
	RunID       string
	Detail      string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic workflow %s/%s: %s", e.ExecutionID, e.RunID, e.Detail)
}

package model

import (
	"encoding/json"
	"time"
)

// Execution status constants.
const (
	StatusRunning        = "running"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusCancelled      = "cancelled"
	StatusTimedOut       = "timed_out"
	StatusContinuedAsNew = "continued_as_new"
)

// Wait state constants describing what a running execution is suspended on.
const (
	WaitExecuting  = "executing"
	WaitOnActivity = "waiting_on_activity"
	WaitOnTimer    = "waiting_on_timer"
	WaitOnSignal   = "waiting_on_signal"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusRunning: {
		StatusCompleted:      true,
		StatusFailed:         true,
		StatusCancelled:      true,
		StatusTimedOut:       true,
		StatusContinuedAsNew: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is
// allowed. Terminal statuses have no outgoing transitions.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether a status is terminal.
func TerminalStatus(status string) bool {
	return status != StatusRunning
}

// Execution is one durable run of a workflow. It is a projection derived from
// the run's history events; LastSeq is the history cursor used for conditional
// appends.
type Execution struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	WorkflowType string          `json:"workflow_type"`
	TaskQueue    string          `json:"task_queue"`
	DedupKey     string          `json:"dedup_key,omitempty"`
	Status       string          `json:"status"`
	WaitState    string          `json:"wait_state"`
	Input        json.RawMessage `json:"input,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	LastSeq      int64           `json:"last_seq"`
	CreatedAt    time.Time       `json:"created_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loomhq/loom/internal/model"
)

// ErrNotFound is returned when an execution is not found.
var ErrNotFound = errors.New("execution not found")

// ErrAlreadyExists is returned when an execution with the same deduplication
// key is already running.
var ErrAlreadyExists = errors.New("execution already exists")

// ErrSeqConflict is returned when a conditional append loses an optimistic
// concurrency race: the caller's last-known sequence number no longer matches
// the history tail. The caller reloads the tail and retries.
var ErrSeqConflict = errors.New("history sequence conflict")

// ErrExecutionClosed is returned when appending to the history of an
// execution that reached a terminal status.
var ErrExecutionClosed = errors.New("execution is closed")

// ErrTimerResolved is returned when firing or cancelling a timer that was
// already fired or cancelled. First committed wins.
var ErrTimerResolved = errors.New("timer already resolved")

// ErrTaskGone is returned when acknowledging a task that no longer exists or
// whose lease moved, meaning another party already resolved it.
var ErrTaskGone = errors.New("task no longer held")

// TaskDelete acknowledges (deletes) a task as part of a commit. The optional
// guards make the task row the arbiter between racing resolvers: the first
// commit to delete the row wins, the loser gets ErrTaskGone.
type TaskDelete struct {
	ID string
	// LeasedBy, when set, requires the task to still be leased by this worker.
	LeasedBy string
	// RequireUnleased, when set, requires the task to never have been leased.
	RequireUnleased bool
}

// CommitRequest is one atomic, conditionally-appended mutation of a run:
// history events plus every projection change they imply. Append succeeds only
// if LastKnownSeq matches the store's current tail for the run.
type CommitRequest struct {
	ExecutionID  string
	RunID        string
	LastKnownSeq int64
	Events       []*model.Event

	// Optional execution projection updates applied with the append.
	Status    string
	WaitState string
	Result    json.RawMessage
	ErrorMsg  string
	ClosedAt  *time.Time

	EnqueueTasks   []*model.Task
	DeleteTask     *TaskDelete
	CreateTimers   []*model.Timer
	FireTimerIDs   []string
	CancelTimerIDs []string

	// NewExecution starts a successor run (continue-as-new) in the same
	// transaction that closes the current one.
	NewExecution      *model.Execution
	NewExecutionEvent *model.Event
	NewExecutionTask  *model.Task
}

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for executions, their append-only
// histories, task queues, and timers. History is the single source of truth;
// executions, tasks, and timers are projections kept consistent with it
// inside Commit transactions.
type Store interface {
	CreateExecution(ctx context.Context, exec *model.Execution, startEvent *model.Event, task *model.Task) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	GetExecutionRun(ctx context.Context, id, runID string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	ExecutionStats(ctx context.Context) (*ExecutionStats, error)

	GetHistory(ctx context.Context, executionID, runID string, afterSeq int64) ([]*model.Event, error)
	Commit(ctx context.Context, req *CommitRequest) (int64, error)

	LeaseTask(ctx context.Context, queue, kind, workerID string, leaseFor time.Duration, now time.Time) (*model.Task, error)
	DropTask(ctx context.Context, taskID string) error
	ResolveTimer(ctx context.Context, executionID, runID, timerID, status string) error
	RecordActivityHeartbeat(ctx context.Context, taskID, workerID string, details []byte, now time.Time, heartbeatTimeout, leaseFor time.Duration) error
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error)
	HeartbeatExpiredTasks(ctx context.Context, now time.Time) ([]*model.Task, error)
	ScheduleExpiredTasks(ctx context.Context, now time.Time) ([]*model.Task, error)
	QueueDepths(ctx context.Context, now time.Time) (map[string]int, error)

	DueTimers(ctx context.Context, now time.Time, limit int) ([]*model.Timer, error)
	RecoverTimers(ctx context.Context) (int, error)

	Close() error
}

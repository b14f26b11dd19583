package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
    id            TEXT NOT NULL,
    run_id        TEXT NOT NULL,
    workflow_type TEXT NOT NULL,
    task_queue    TEXT NOT NULL,
    dedup_key     TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    wait_state    TEXT NOT NULL,
    input         BLOB,
    result        BLOB,
    error         TEXT NOT NULL DEFAULT '',
    last_seq      INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL,
    closed_at     DATETIME,
    PRIMARY KEY (id, run_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_dedup
    ON executions(dedup_key) WHERE status = 'running' AND dedup_key != '';

CREATE TABLE IF NOT EXISTS history (
    execution_id TEXT NOT NULL,
    run_id       TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    kind         TEXT NOT NULL,
    payload      BLOB,
    created_at   DATETIME NOT NULL,
    PRIMARY KEY (execution_id, run_id, seq)
);

CREATE TABLE IF NOT EXISTS tasks (
    id                 TEXT PRIMARY KEY,
    queue              TEXT NOT NULL,
    kind               TEXT NOT NULL,
    execution_id       TEXT NOT NULL,
    run_id             TEXT NOT NULL,
    payload            BLOB,
    attempt            INTEGER NOT NULL DEFAULT 1,
    visible_at         DATETIME NOT NULL,
    schedule_deadline  DATETIME,
    leased_by          TEXT NOT NULL DEFAULT '',
    lease_expires_at   DATETIME,
    heartbeat_at       DATETIME,
    heartbeat_deadline DATETIME,
    heartbeat_details  BLOB,
    created_at         DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_decision_singleflight
    ON tasks(execution_id, run_id) WHERE kind = 'decision';

CREATE INDEX IF NOT EXISTS idx_tasks_dispatch
    ON tasks(queue, kind, visible_at);

CREATE TABLE IF NOT EXISTS timers (
    execution_id TEXT NOT NULL,
    run_id       TEXT NOT NULL,
    timer_id     TEXT NOT NULL,
    fire_at      DATETIME NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    created_at   DATETIME NOT NULL,
    PRIMARY KEY (execution_id, run_id, timer_id)
);

CREATE INDEX IF NOT EXISTS idx_timers_due ON timers(status, fire_at);
`

const executionColumns = `id, run_id, workflow_type, task_queue, dedup_key,
	status, wait_state, input, result, error, last_seq, created_at, closed_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The store serializes writes through a single connection. SQLite allows
	// one writer at a time anyway, and a single connection keeps :memory:
	// databases coherent across goroutines in tests.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateExecution inserts a new execution with its execution_started event and
// first decision task in one transaction. Returns ErrAlreadyExists if another
// execution with the same deduplication key is still running.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *model.Execution, startEvent *model.Event, task *model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertExecution(ctx, tx, exec, startEvent, task); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertExecution(ctx context.Context, tx *sql.Tx, exec *model.Execution, startEvent *model.Event, task *model.Task) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO executions (
			id, run_id, workflow_type, task_queue, dedup_key, status,
			wait_state, input, result, error, last_seq, created_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RunID, exec.WorkflowType, exec.TaskQueue, exec.DedupKey,
		exec.Status, exec.WaitState, exec.Input, exec.Result, exec.Error,
		exec.LastSeq, exec.CreatedAt, exec.ClosedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	if startEvent != nil {
		startEvent.ExecutionID = exec.ID
		startEvent.RunID = exec.RunID
		startEvent.Seq = 1
		if err := insertEvent(ctx, tx, startEvent); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE executions SET last_seq = 1 WHERE id = ? AND run_id = ?",
			exec.ID, exec.RunID,
		); err != nil {
			return fmt.Errorf("update execution tail: %w", err)
		}
		exec.LastSeq = 1
	}

	if task != nil {
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *model.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO history (execution_id, run_id, seq, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.RunID, e.Seq, e.Kind, e.Payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event seq %d: %w", e.Seq, err)
	}
	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	// Decision tasks are single-flight per run: at most one exists at a time,
	// enforced by a unique index. An ignored insert means a pending decision
	// task will observe the new events when it is processed.
	verb := "INSERT"
	if t.Kind == model.TaskKindDecision {
		verb = "INSERT OR IGNORE"
	}
	_, err := tx.ExecContext(ctx,
		verb+` INTO tasks (
			id, queue, kind, execution_id, run_id, payload, attempt,
			visible_at, schedule_deadline, leased_by, lease_expires_at,
			heartbeat_at, heartbeat_deadline, heartbeat_details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, NULL, NULL, ?, ?)`,
		t.ID, t.Queue, t.Kind, t.ExecutionID, t.RunID, t.Payload, t.Attempt,
		t.VisibleAt, t.ScheduleDeadline, t.HeartbeatDetails, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s task: %w", t.Kind, err)
	}
	return nil
}

// GetExecution retrieves the latest run of an execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, id)
	return scanExecution(row)
}

// GetExecutionRun retrieves one specific run of an execution.
func (s *SQLiteStore) GetExecutionRun(ctx context.Context, id, runID string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ? AND run_id = ?`,
		id, runID)
	return scanExecution(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	err := row.Scan(
		&e.ID, &e.RunID, &e.WorkflowType, &e.TaskQueue, &e.DedupKey,
		&e.Status, &e.WaitState, &e.Input, &e.Result, &e.Error,
		&e.LastSeq, &e.CreatedAt, &e.ClosedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a paginated list of execution runs ordered by
// created_at DESC, along with the total run count.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, total, nil
}

// ExecutionStats aggregates run counts by status and workflow type plus the
// average wall duration of closed runs.
func (s *SQLiteStore) ExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &ExecutionStats{
		CountByStatus: make(map[string]int),
		CountByType:   make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	rows, err = tx.QueryContext(ctx, "SELECT workflow_type, COUNT(*) FROM executions GROUP BY workflow_type")
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		stats.CountByType[typ] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type counts: %w", err)
	}

	var avg sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT AVG((julianday(closed_at) - julianday(created_at)) * 86400000)
		 FROM executions WHERE closed_at IS NOT NULL`).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// GetHistory returns the run's events with seq greater than afterSeq, in
// sequence order. Pass afterSeq 0 for the full history.
func (s *SQLiteStore) GetHistory(ctx context.Context, executionID, runID string, afterSeq int64) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, run_id, seq, kind, payload, created_at
		 FROM history WHERE execution_id = ? AND run_id = ? AND seq > ?
		 ORDER BY seq`, executionID, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ExecutionID, &e.RunID, &e.Seq, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return events, nil
}

// Commit applies one CommitRequest atomically. It returns the new history
// tail, or ErrSeqConflict if the run's tail moved past LastKnownSeq,
// ErrTimerResolved if a timer guard failed, or ErrTaskGone if the
// acknowledged task was already resolved by another party.
func (s *SQLiteStore) Commit(ctx context.Context, req *CommitRequest) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		"SELECT status, last_seq FROM executions WHERE id = ? AND run_id = ?",
		req.ExecutionID, req.RunID,
	).Scan(&status, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read execution tail: %w", err)
	}

	if lastSeq != req.LastKnownSeq {
		return 0, ErrSeqConflict
	}
	if model.TerminalStatus(status) {
		return 0, ErrExecutionClosed
	}
	if req.Status != "" && req.Status != status && !model.ValidTransition(status, req.Status) {
		return 0, fmt.Errorf("invalid status transition %s -> %s", status, req.Status)
	}

	// Timer guards first: a fire or cancel losing its race aborts the whole
	// commit so the caller re-reads history, which will show the winner.
	for _, timerID := range req.FireTimerIDs {
		if err := updateTimerStatus(ctx, tx, req.ExecutionID, req.RunID, timerID, model.TimerFired); err != nil {
			return 0, err
		}
	}
	for _, timerID := range req.CancelTimerIDs {
		if err := updateTimerStatus(ctx, tx, req.ExecutionID, req.RunID, timerID, model.TimerCancelled); err != nil {
			return 0, err
		}
	}

	if req.DeleteTask != nil {
		if err := deleteTask(ctx, tx, req.DeleteTask); err != nil {
			return 0, err
		}
	}

	tail := lastSeq
	for _, e := range req.Events {
		tail++
		e.ExecutionID = req.ExecutionID
		e.RunID = req.RunID
		e.Seq = tail
		if err := insertEvent(ctx, tx, e); err != nil {
			return 0, err
		}
	}

	set := []string{"last_seq = ?"}
	args := []any{tail}
	if req.Status != "" {
		set = append(set, "status = ?")
		args = append(args, req.Status)
	}
	if req.WaitState != "" {
		set = append(set, "wait_state = ?")
		args = append(args, req.WaitState)
	}
	if req.Result != nil {
		set = append(set, "result = ?")
		args = append(args, req.Result)
	}
	if req.ErrorMsg != "" {
		set = append(set, "error = ?")
		args = append(args, req.ErrorMsg)
	}
	if req.ClosedAt != nil {
		set = append(set, "closed_at = ?")
		args = append(args, req.ClosedAt)
	}
	args = append(args, req.ExecutionID, req.RunID)
	if _, err := tx.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(set, ", ")+" WHERE id = ? AND run_id = ?",
		args...,
	); err != nil {
		return 0, fmt.Errorf("update execution: %w", err)
	}

	if req.Status != "" && model.TerminalStatus(req.Status) {
		// A closing run schedules no further work: queued-but-unstarted
		// activity attempts are pruned and pending timers resolved. Leased
		// attempts are left to finish; their results are dropped on commit
		// against the closed run.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE execution_id = ? AND run_id = ? AND kind = ? AND leased_by = ''`,
			req.ExecutionID, req.RunID, model.TaskKindActivity,
		); err != nil {
			return 0, fmt.Errorf("prune queued activity tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE timers SET status = ? WHERE execution_id = ? AND run_id = ? AND status = ?`,
			model.TimerCancelled, req.ExecutionID, req.RunID, model.TimerPending,
		); err != nil {
			return 0, fmt.Errorf("resolve pending timers: %w", err)
		}
	}

	for _, t := range req.CreateTimers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO timers (execution_id, run_id, timer_id, fire_at, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.ExecutionID, t.RunID, t.TimerID, t.FireAt, model.TimerPending, t.CreatedAt,
		); err != nil {
			return 0, fmt.Errorf("insert timer %s: %w", t.TimerID, err)
		}
	}

	for _, t := range req.EnqueueTasks {
		if err := insertTask(ctx, tx, t); err != nil {
			return 0, err
		}
	}

	if req.NewExecution != nil {
		if err := insertExecution(ctx, tx, req.NewExecution, req.NewExecutionEvent, req.NewExecutionTask); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return tail, nil
}

func updateTimerStatus(ctx context.Context, tx *sql.Tx, executionID, runID, timerID, to string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE timers SET status = ? WHERE execution_id = ? AND run_id = ? AND timer_id = ? AND status = ?`,
		to, executionID, runID, timerID, model.TimerPending,
	)
	if err != nil {
		return fmt.Errorf("update timer %s: %w", timerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check timer rows: %w", err)
	}
	if n == 0 {
		return ErrTimerResolved
	}
	return nil
}

func deleteTask(ctx context.Context, tx *sql.Tx, d *TaskDelete) error {
	query := "DELETE FROM tasks WHERE id = ?"
	args := []any{d.ID}
	if d.LeasedBy != "" {
		query += " AND leased_by = ?"
		args = append(args, d.LeasedBy)
	}
	if d.RequireUnleased {
		query += " AND leased_by = ''"
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check task rows: %w", err)
	}
	if n == 0 {
		return ErrTaskGone
	}
	return nil
}

// LeaseTask claims the oldest visible task of the given kind on the queue for
// workerID, holding it until now+leaseFor. Returns nil when no task is ready.
func (s *SQLiteStore) LeaseTask(ctx context.Context, queue, kind, workerID string, leaseFor time.Duration, now time.Time) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	t := &model.Task{}
	err = tx.QueryRowContext(ctx,
		`SELECT id, queue, kind, execution_id, run_id, payload, attempt,
			visible_at, schedule_deadline, leased_by, lease_expires_at,
			heartbeat_at, heartbeat_deadline, heartbeat_details, created_at
		 FROM tasks
		 WHERE queue = ? AND kind = ? AND visible_at <= ?
		   AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		 ORDER BY created_at, id LIMIT 1`,
		queue, kind, now, now,
	).Scan(
		&t.ID, &t.Queue, &t.Kind, &t.ExecutionID, &t.RunID, &t.Payload, &t.Attempt,
		&t.VisibleAt, &t.ScheduleDeadline, &t.LeasedBy, &t.LeaseExpiresAt,
		&t.HeartbeatAt, &t.HeartbeatDeadline, &t.HeartbeatDetails, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}

	// Claiming resets heartbeat tracking: a deadline recorded by a previous
	// holder must not count against this attempt. Details survive so the new
	// attempt can resume from the last reported progress.
	expires := now.Add(leaseFor)
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET leased_by = ?, lease_expires_at = ?,
			heartbeat_at = NULL, heartbeat_deadline = NULL
		 WHERE id = ?`,
		workerID, expires, t.ID,
	); err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	t.LeasedBy = workerID
	t.LeaseExpiresAt = &expires
	t.HeartbeatAt = nil
	t.HeartbeatDeadline = nil
	return t, nil
}

// RecordActivityHeartbeat records attempt liveness and progress details,
// extending both the heartbeat deadline and the lease. Returns ErrTaskGone if
// the task is no longer leased by workerID.
func (s *SQLiteStore) RecordActivityHeartbeat(ctx context.Context, taskID, workerID string, details []byte, now time.Time, heartbeatTimeout, leaseFor time.Duration) error {
	var deadline *time.Time
	if heartbeatTimeout > 0 {
		d := now.Add(heartbeatTimeout)
		deadline = &d
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET heartbeat_at = ?, heartbeat_deadline = ?,
			heartbeat_details = COALESCE(?, heartbeat_details),
			lease_expires_at = ?
		 WHERE id = ? AND leased_by = ?`,
		now, deadline, details, now.Add(leaseFor), taskID, workerID,
	)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check heartbeat rows: %w", err)
	}
	if n == 0 {
		return ErrTaskGone
	}
	return nil
}

// ReleaseExpiredLeases makes tasks with expired leases visible again so
// another worker can pick them up. The dead holder's heartbeat deadline is
// cleared with the lease; its last details stay for the next attempt. Returns
// the number released.
func (s *SQLiteStore) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET leased_by = '', lease_expires_at = NULL, attempt = attempt + 1,
			heartbeat_at = NULL, heartbeat_deadline = NULL
		 WHERE leased_by != '' AND lease_expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check released rows: %w", err)
	}
	return int(n), nil
}

// HeartbeatExpiredTasks returns leased activity tasks whose heartbeat deadline
// has passed without a liveness report, meaning the worker likely died mid
// attempt.
func (s *SQLiteStore) HeartbeatExpiredTasks(ctx context.Context, now time.Time) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, queue, kind, execution_id, run_id, payload, attempt,
			visible_at, schedule_deadline, leased_by, lease_expires_at,
			heartbeat_at, heartbeat_deadline, heartbeat_details, created_at
		 FROM tasks
		 WHERE kind = ? AND leased_by != '' AND heartbeat_deadline IS NOT NULL
		   AND heartbeat_deadline <= ?`,
		model.TaskKindActivity, now)
}

// ScheduleExpiredTasks returns activity tasks that waited un-leased past their
// schedule-to-start deadline.
func (s *SQLiteStore) ScheduleExpiredTasks(ctx context.Context, now time.Time) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, queue, kind, execution_id, run_id, payload, attempt,
			visible_at, schedule_deadline, leased_by, lease_expires_at,
			heartbeat_at, heartbeat_deadline, heartbeat_details, created_at
		 FROM tasks
		 WHERE kind = ? AND leased_by = '' AND schedule_deadline IS NOT NULL
		   AND schedule_deadline <= ?`,
		model.TaskKindActivity, now)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t := &model.Task{}
		if err := rows.Scan(
			&t.ID, &t.Queue, &t.Kind, &t.ExecutionID, &t.RunID, &t.Payload, &t.Attempt,
			&t.VisibleAt, &t.ScheduleDeadline, &t.LeasedBy, &t.LeaseExpiresAt,
			&t.HeartbeatAt, &t.HeartbeatDeadline, &t.HeartbeatDetails, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// QueueDepths returns the number of visible, unleased tasks per queue. A
// growing backlog means workers are not keeping up.
func (s *SQLiteStore) QueueDepths(ctx context.Context, now time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT queue, COUNT(*) FROM tasks
		 WHERE visible_at <= ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		 GROUP BY queue`, now, now)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var queue string
		var n int
		if err := rows.Scan(&queue, &n); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		depths[queue] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue depths: %w", err)
	}
	return depths, nil
}

// DropTask unconditionally deletes a task. Used when resolving a task against
// a run that closed while the attempt was in flight: the result is dropped.
func (s *SQLiteStore) DropTask(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", taskID); err != nil {
		return fmt.Errorf("drop task: %w", err)
	}
	return nil
}

// ResolveTimer moves a timer out of pending without touching history. Used
// when a due timer turns out to belong to a closed run.
func (s *SQLiteStore) ResolveTimer(ctx context.Context, executionID, runID, timerID, status string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE timers SET status = ? WHERE execution_id = ? AND run_id = ? AND timer_id = ?",
		status, executionID, runID, timerID,
	); err != nil {
		return fmt.Errorf("resolve timer: %w", err)
	}
	return nil
}

// DueTimers returns pending timers whose fire time is at or before now.
func (s *SQLiteStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]*model.Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, run_id, timer_id, fire_at, status, created_at
		 FROM timers WHERE status = ? AND fire_at <= ?
		 ORDER BY fire_at LIMIT ?`,
		model.TimerPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due timers: %w", err)
	}
	defer rows.Close()

	var timers []*model.Timer
	for rows.Next() {
		t := &model.Timer{}
		if err := rows.Scan(&t.ExecutionID, &t.RunID, &t.TimerID, &t.FireAt, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timers: %w", err)
	}
	return timers, nil
}

// RecoverTimers rebuilds the timer projection from history: every
// timer_started event on a running execution without a matching timer_fired
// or timer_cancelled is reinstated as a pending timer. Called once at startup
// so timers survive process restarts.
func (s *SQLiteStore) RecoverTimers(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT h.execution_id, h.run_id, h.kind, h.payload, h.created_at
		 FROM history h
		 JOIN executions e ON e.id = h.execution_id AND e.run_id = h.run_id
		 WHERE e.status = ? AND h.kind IN (?, ?, ?)
		 ORDER BY h.execution_id, h.run_id, h.seq`,
		model.StatusRunning, model.EventTimerStarted, model.EventTimerFired, model.EventTimerCancelled)
	if err != nil {
		return 0, fmt.Errorf("scan timer history: %w", err)
	}
	defer rows.Close()

	type timerKey struct {
		executionID, runID, timerID string
	}
	pending := make(map[timerKey]*model.Timer)
	for rows.Next() {
		var execID, runID string
		var kind model.EventKind
		var payload []byte
		var createdAt time.Time
		if err := rows.Scan(&execID, &runID, &kind, &payload, &createdAt); err != nil {
			return 0, fmt.Errorf("scan timer event: %w", err)
		}
		e := &model.Event{Kind: kind, Payload: payload}
		switch kind {
		case model.EventTimerStarted:
			var attrs model.TimerStartedAttrs
			if err := e.DecodeAttrs(&attrs); err != nil {
				return 0, err
			}
			pending[timerKey{execID, runID, attrs.TimerID}] = &model.Timer{
				ExecutionID: execID,
				RunID:       runID,
				TimerID:     attrs.TimerID,
				FireAt:      attrs.FireAt,
				Status:      model.TimerPending,
				CreatedAt:   createdAt,
			}
		case model.EventTimerFired:
			var attrs model.TimerFiredAttrs
			if err := e.DecodeAttrs(&attrs); err != nil {
				return 0, err
			}
			delete(pending, timerKey{execID, runID, attrs.TimerID})
		case model.EventTimerCancelled:
			var attrs model.TimerCancelledAttrs
			if err := e.DecodeAttrs(&attrs); err != nil {
				return 0, err
			}
			delete(pending, timerKey{execID, runID, attrs.TimerID})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate timer history: %w", err)
	}

	recovered := 0
	for _, t := range pending {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO timers (execution_id, run_id, timer_id, fire_at, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.ExecutionID, t.RunID, t.TimerID, t.FireAt, t.Status, t.CreatedAt,
		)
		if err != nil {
			return recovered, fmt.Errorf("reinstate timer %s: %w", t.TimerID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			recovered++
		}
	}
	return recovered, nil
}

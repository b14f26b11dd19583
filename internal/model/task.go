package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task kind constants.
const (
	TaskKindDecision = "decision"
	TaskKindActivity = "activity"
)

// Task is one unit of leased, at-least-once work on a task queue. Decision
// tasks advance an execution through replay; activity tasks invoke one
// activity attempt.
type Task struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Kind        string          `json:"kind"`
	ExecutionID string          `json:"execution_id"`
	RunID       string          `json:"run_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	VisibleAt   time.Time       `json:"visible_at"`
	// ScheduleDeadline is the schedule-to-start cutoff for activity tasks;
	// nil when the activity has no schedule-to-start timeout.
	ScheduleDeadline  *time.Time `json:"schedule_deadline,omitempty"`
	LeasedBy          string     `json:"leased_by,omitempty"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at,omitempty"`
	HeartbeatAt       *time.Time `json:"heartbeat_at,omitempty"`
	HeartbeatDeadline *time.Time `json:"heartbeat_deadline,omitempty"`
	HeartbeatDetails  []byte     `json:"heartbeat_details,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ActivityTaskPayload is the task payload for one activity attempt.
type ActivityTaskPayload struct {
	ActivityID   string           `json:"activity_id"`
	ActivityType string           `json:"activity_type"`
	Input        json.RawMessage  `json:"input,omitempty"`
	RetryPolicy  RetryPolicy      `json:"retry_policy"`
	Timeouts     ActivityTimeouts `json:"timeouts"`
	Attempt      int              `json:"attempt"`
	// ScheduledSeq is the history seq of the activity_scheduled event that
	// created this logical activity.
	ScheduledSeq int64 `json:"scheduled_seq"`
	// HeartbeatDetails carries the last progress reported by the previous
	// attempt, letting a retry resume rather than restart from scratch.
	HeartbeatDetails []byte `json:"heartbeat_details,omitempty"`
}

// NewDecisionTask builds an unleased decision task for the given run.
// The store keeps at most one decision task per run.
func NewDecisionTask(queue, executionID, runID string, now time.Time) *Task {
	return &Task{
		ID:          NewID(),
		Queue:       queue,
		Kind:        TaskKindDecision,
		ExecutionID: executionID,
		RunID:       runID,
		Attempt:     1,
		VisibleAt:   now,
		CreatedAt:   now,
	}
}

// NewActivityTask builds an unleased activity task carrying the given attempt
// payload, visible at visibleAt (delayed for retry backoff).
func NewActivityTask(queue, executionID, runID string, p ActivityTaskPayload, now, visibleAt time.Time) (*Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal activity task payload: %w", err)
	}
	t := &Task{
		ID:          NewID(),
		Queue:       queue,
		Kind:        TaskKindActivity,
		ExecutionID: executionID,
		RunID:       runID,
		Payload:     payload,
		Attempt:     p.Attempt,
		VisibleAt:   visibleAt,
		CreatedAt:   now,
	}
	if p.Timeouts.ScheduleToStart > 0 {
		deadline := visibleAt.Add(p.Timeouts.ScheduleToStart)
		t.ScheduleDeadline = &deadline
	}
	return t, nil
}

// ActivityPayload decodes the activity task payload.
func (t *Task) ActivityPayload() (*ActivityTaskPayload, error) {
	var p ActivityTaskPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode activity task payload: %w", err)
	}
	return &p, nil
}

// IdempotencyKey derives the stable key activity implementations use to make
// one attempt's side effect at-most-once despite redelivery.
func (t *Task) IdempotencyKey(activityID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%s/%d", t.ExecutionID, t.RunID, activityID, attempt)
}

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the type of a history event.
type EventKind string

// History event kinds.
const (
	EventExecutionStarted        EventKind = "execution_started"
	EventActivityScheduled       EventKind = "activity_scheduled"
	EventActivityCompleted       EventKind = "activity_completed"
	EventActivityFailed          EventKind = "activity_failed"
	EventTimerStarted            EventKind = "timer_started"
	EventTimerFired              EventKind = "timer_fired"
	EventTimerCancelled          EventKind = "timer_cancelled"
	EventSignalReceived          EventKind = "signal_received"
	EventCancelRequested         EventKind = "cancel_requested"
	EventExecutionCompleted      EventKind = "execution_completed"
	EventExecutionFailed         EventKind = "execution_failed"
	EventExecutionCancelled      EventKind = "execution_cancelled"
	EventExecutionContinuedAsNew EventKind = "execution_continued_as_new"
)

// Event is one immutable, sequence-numbered record in an execution's history.
// Events for one run form a total order by Seq; history is append-only.
type Event struct {
	ExecutionID string          `json:"execution_id"`
	RunID       string          `json:"run_id"`
	Seq         int64           `json:"seq"`
	Kind        EventKind       `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewEvent builds an event of the given kind with attrs marshalled as the
// payload. Seq is assigned by the store when the event is committed.
func NewEvent(kind EventKind, attrs any) (*Event, error) {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal %s attributes: %w", kind, err)
	}
	return &Event{Kind: kind, Payload: payload}, nil
}

// MustEvent is NewEvent for attribute types that cannot fail to marshal.
func MustEvent(kind EventKind, attrs any) *Event {
	e, err := NewEvent(kind, attrs)
	if err != nil {
		panic(err)
	}
	return e
}

// DecodeAttrs unmarshals the event payload into attrs.
func (e *Event) DecodeAttrs(attrs any) error {
	if err := json.Unmarshal(e.Payload, attrs); err != nil {
		return fmt.Errorf("decode %s attributes: %w", e.Kind, err)
	}
	return nil
}

// FailureKind classifies an activity attempt failure.
type FailureKind string

// Activity failure classifications.
const (
	FailureApplication     FailureKind = "application"
	FailureScheduleToStart FailureKind = "schedule_to_start_timeout"
	FailureStartToClose    FailureKind = "start_to_close_timeout"
	FailureHeartbeat       FailureKind = "heartbeat_timeout"
)

// ExecutionStartedAttrs is the payload of an execution_started event.
type ExecutionStartedAttrs struct {
	WorkflowType string          `json:"workflow_type"`
	Input        json.RawMessage `json:"input,omitempty"`
	DedupKey     string          `json:"dedup_key,omitempty"`
	TaskQueue    string          `json:"task_queue"`
	// PreviousRunID is set when this run was started by continue-as-new.
	PreviousRunID string `json:"previous_run_id,omitempty"`
}

// ActivityScheduledAttrs is the payload of an activity_scheduled event.
type ActivityScheduledAttrs struct {
	ActivityID   string           `json:"activity_id"`
	ActivityType string           `json:"activity_type"`
	Input        json.RawMessage  `json:"input,omitempty"`
	RetryPolicy  RetryPolicy      `json:"retry_policy"`
	Timeouts     ActivityTimeouts `json:"timeouts"`
}

// ActivityCompletedAttrs is the payload of an activity_completed event.
type ActivityCompletedAttrs struct {
	ActivityID string          `json:"activity_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Attempt    int             `json:"attempt"`
}

// ActivityFailedAttrs is the payload of an activity_failed event. One event is
// recorded per failed attempt; RetryScheduled distinguishes an attempt that
// will be retried from the terminal failure the workflow logic observes.
type ActivityFailedAttrs struct {
	ActivityID     string      `json:"activity_id"`
	Reason         string      `json:"reason"`
	Kind           FailureKind `json:"kind"`
	Attempt        int         `json:"attempt"`
	NonRetryable   bool        `json:"non_retryable,omitempty"`
	RetryScheduled bool        `json:"retry_scheduled,omitempty"`
	// NextAttemptAt is the earliest time the next attempt becomes visible,
	// present only when RetryScheduled is true.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// TimerStartedAttrs is the payload of a timer_started event.
type TimerStartedAttrs struct {
	TimerID string    `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
}

// TimerFiredAttrs is the payload of a timer_fired event.
type TimerFiredAttrs struct {
	TimerID string `json:"timer_id"`
}

// TimerCancelledAttrs is the payload of a timer_cancelled event.
type TimerCancelledAttrs struct {
	TimerID string `json:"timer_id"`
}

// SignalReceivedAttrs is the payload of a signal_received event.
type SignalReceivedAttrs struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CancelRequestedAttrs is the payload of a cancel_requested event.
// Cancellation is advisory; the workflow logic observes it at its next
// suspension point and unwinds cooperatively.
type CancelRequestedAttrs struct {
	Reason string `json:"reason,omitempty"`
}

// ExecutionCompletedAttrs is the payload of an execution_completed event.
type ExecutionCompletedAttrs struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// ExecutionFailedAttrs is the payload of an execution_failed event.
type ExecutionFailedAttrs struct {
	Reason string `json:"reason"`
	// NonDeterministic marks a replay divergence, which is fatal and never
	// retried.
	NonDeterministic bool `json:"non_deterministic,omitempty"`
}

// ExecutionCancelledAttrs is the payload of an execution_cancelled event.
type ExecutionCancelledAttrs struct {
	Reason string `json:"reason,omitempty"`
}

// ExecutionContinuedAsNewAttrs is the payload of an execution_continued_as_new
// event, closing one run and pointing at its successor.
type ExecutionContinuedAsNewAttrs struct {
	NewRunID string          `json:"new_run_id"`
	Input    json.RawMessage `json:"input,omitempty"`
}

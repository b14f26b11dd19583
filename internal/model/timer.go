package model

import "time"

// Timer status constants.
const (
	TimerPending   = "pending"
	TimerFired     = "fired"
	TimerCancelled = "cancelled"
)

// Timer is a durable wake-up keyed to an execution run and a logical timer id.
// It is a projection of the timer_started/timer_fired/timer_cancelled events
// and is rebuilt from history on recovery. A timer fires at or after, never
// before, FireAt.
type Timer struct {
	ExecutionID string    `json:"execution_id"`
	RunID       string    `json:"run_id"`
	TimerID     string    `json:"timer_id"`
	FireAt      time.Time `json:"fire_at"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

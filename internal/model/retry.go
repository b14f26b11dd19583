package model

import (
	"math"
	"time"
)

// RetryPolicy controls how failed activity attempts are retried. Intervals
// grow geometrically from InitialInterval by BackoffCoefficient, capped at
// MaximumInterval. MaximumAttempts of 0 means unlimited attempts until the
// activity's timeout budget is exhausted.
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaximumInterval    time.Duration `json:"maximum_interval"`
	MaximumAttempts    int           `json:"maximum_attempts"`
}

// DefaultRetryPolicy returns the policy applied when a scheduled activity does
// not specify one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	}
}

// NextDelay returns the backoff before the attempt following the given failed
// attempt number (1-based).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}
	coeff := p.BackoffCoefficient
	if coeff < 1 {
		coeff = 2.0
	}
	d := time.Duration(float64(initial) * math.Pow(coeff, float64(attempt-1)))
	if d < initial {
		// Overflow guard for very high attempt counts.
		d = p.MaximumInterval
	}
	if p.MaximumInterval > 0 && d > p.MaximumInterval {
		d = p.MaximumInterval
	}
	return d
}

// Exhausted reports whether the given failed attempt number was the last one
// permitted by the policy.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaximumAttempts > 0 && attempt >= p.MaximumAttempts
}

// ActivityTimeouts bounds one activity's scheduling and execution. A zero
// value disables that timeout kind, except StartToClose which falls back to
// DefaultStartToClose.
type ActivityTimeouts struct {
	// ScheduleToStart is how long a task may wait un-leased before being
	// considered stuck.
	ScheduleToStart time.Duration `json:"schedule_to_start,omitempty"`
	// StartToClose is the wall time budget for one attempt.
	StartToClose time.Duration `json:"start_to_close,omitempty"`
	// Heartbeat is the maximum silence between liveness reports from a
	// long-running attempt.
	Heartbeat time.Duration `json:"heartbeat,omitempty"`
}

// DefaultStartToClose is applied when an activity specifies no start-to-close
// timeout.
const DefaultStartToClose = 30 * time.Second

// StartToCloseOrDefault returns the effective start-to-close budget.
func (t ActivityTimeouts) StartToCloseOrDefault() time.Duration {
	if t.StartToClose > 0 {
		return t.StartToClose
	}
	return DefaultStartToClose
}

package model

import (
	"testing"
	"time"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusRunning, StatusContinuedAsNew, true},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusFailed, false},
		{StatusRunning, StatusRunning, false},
		{"bogus", StatusCompleted, false},
	}

	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatus(t *testing.T) {
	if TerminalStatus(StatusRunning) {
		t.Error("running should not be terminal")
	}
	for _, s := range []string{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusContinuedAsNew} {
		if !TerminalStatus(s) {
			t.Errorf("%q should be terminal", s)
		}
	}
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    10,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{6, 10 * time.Second},
		{0, time.Second}, // clamped to first attempt
	}

	for _, tt := range tests {
		if got := p.NextDelay(tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicyNextDelayZeroValue(t *testing.T) {
	var p RetryPolicy
	if got := p.NextDelay(1); got != time.Second {
		t.Errorf("zero-value policy NextDelay(1) = %v, want 1s", got)
	}
	if got := p.NextDelay(3); got != 4*time.Second {
		t.Errorf("zero-value policy NextDelay(3) = %v, want 4s", got)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaximumAttempts: 3}
	if p.Exhausted(2) {
		t.Error("attempt 2 of 3 should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Error("attempt 3 of 3 should be exhausted")
	}

	unlimited := RetryPolicy{MaximumAttempts: 0}
	if unlimited.Exhausted(1000) {
		t.Error("unlimited policy should never exhaust")
	}
}

func TestStartToCloseOrDefault(t *testing.T) {
	var zero ActivityTimeouts
	if got := zero.StartToCloseOrDefault(); got != DefaultStartToClose {
		t.Errorf("zero timeouts = %v, want %v", got, DefaultStartToClose)
	}

	explicit := ActivityTimeouts{StartToClose: 5 * time.Minute}
	if got := explicit.StartToCloseOrDefault(); got != 5*time.Minute {
		t.Errorf("explicit timeout = %v, want 5m", got)
	}
}

func TestEventAttrsRoundTrip(t *testing.T) {
	ev, err := NewEvent(EventActivityFailed, ActivityFailedAttrs{
		ActivityID:     "charge",
		Reason:         "card declined",
		Kind:           FailureApplication,
		Attempt:        2,
		RetryScheduled: true,
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	var attrs ActivityFailedAttrs
	if err := ev.DecodeAttrs(&attrs); err != nil {
		t.Fatalf("DecodeAttrs: %v", err)
	}
	if attrs.ActivityID != "charge" || attrs.Attempt != 2 || !attrs.RetryScheduled {
		t.Errorf("round-tripped attrs = %+v", attrs)
	}
	if attrs.Kind != FailureApplication {
		t.Errorf("Kind = %q, want %q", attrs.Kind, FailureApplication)
	}
}

func TestActivityTaskIdempotencyKey(t *testing.T) {
	task, err := NewActivityTask("default", "exec-1", "run-1", ActivityTaskPayload{
		ActivityID:   "charge",
		ActivityType: "charge-card",
		Attempt:      2,
	}, time.Now(), time.Now())
	if err != nil {
		t.Fatalf("NewActivityTask: %v", err)
	}

	p, err := task.ActivityPayload()
	if err != nil {
		t.Fatalf("ActivityPayload: %v", err)
	}
	got := task.IdempotencyKey(p.ActivityID, p.Attempt)
	want := "exec-1/run-1/charge/2"
	if got != want {
		t.Errorf("IdempotencyKey = %q, want %q", got, want)
	}
}

func TestNewIDsDistinct(t *testing.T) {
	if NewID() == NewID() {
		t.Error("NewID returned duplicates")
	}
	if NewRunID() == NewRunID() {
		t.Error("NewRunID returned duplicates")
	}
}

// Package activity defines the contract between the orchestration core and
// user-supplied side-effecting code. Activities run outside replay, may
// block, and must tolerate at-least-once invocation.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/model"
)

// Task is one activity attempt handed to an Activity implementation.
type Task struct {
	ExecutionID string
	RunID       string
	ActivityID  string
	Type        string
	Input       json.RawMessage
	Attempt     int

	// HeartbeatDetails holds the progress reported by the previous attempt,
	// if any, so a retry can resume instead of restarting.
	HeartbeatDetails json.RawMessage

	// Heartbeat reports liveness and progress. Implementations of long
	// activities should call it more often than their heartbeat timeout.
	// It returns an error when the attempt has been superseded and the
	// activity should abandon its work.
	Heartbeat func(ctx context.Context, details []byte) error

	// HeartbeatTimeout is the configured heartbeat deadline, zero when the
	// activity does not heartbeat.
	HeartbeatTimeout time.Duration
}

// IdempotencyKey uniquely names this attempt. Activities calling external
// systems should pass it through so duplicate deliveries deduplicate.
func (t *Task) IdempotencyKey() string {
	return fmt.Sprintf("%s/%s/%s/%d", t.ExecutionID, t.RunID, t.ActivityID, t.Attempt)
}

// Activity is a unit of side-effecting work. The returned error is treated as
// retryable unless wrapped with NonRetryable.
type Activity interface {
	Execute(ctx context.Context, task *Task) (json.RawMessage, error)
}

// Func adapts a plain function into an Activity.
type Func func(ctx context.Context, task *Task) (json.RawMessage, error)

// Execute implements Activity.
func (f Func) Execute(ctx context.Context, task *Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// NonRetryableError marks a failure the retry policy must not retry again,
// regardless of remaining attempts.
type NonRetryableError struct {
	Err error
}

// NonRetryable wraps err so the attempt fails terminally.
func NonRetryable(err error) error {
	return &NonRetryableError{Err: err}
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// IsNonRetryable reports whether err is marked non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Options carry the per-type retry and timeout defaults a registration can
// attach; workflow code may still override them per invocation.
type Options struct {
	RetryPolicy *model.RetryPolicy
	Timeouts    *model.ActivityTimeouts
}

// Registration pairs an activity type name with its implementation.
type Registration struct {
	Type     string
	Activity Activity
	Options  Options
}

// Registry holds registered activities and resolves them by type name for
// the worker loop.
type Registry struct {
	mu         sync.RWMutex
	activities map[string]Registration
}

// NewRegistry creates an empty activity registry.
func NewRegistry() *Registry {
	return &Registry{
		activities: make(map[string]Registration),
	}
}

// Register adds an activity under the given type name.
func (r *Registry) Register(typeName string, act Activity, opts ...Options) {
	reg := Registration{Type: typeName, Activity: act}
	if len(opts) > 0 {
		reg.Options = opts[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[typeName] = reg
}

// RegisterFunc registers a plain function as an activity.
func (r *Registry) RegisterFunc(typeName string, fn Func, opts ...Options) {
	r.Register(typeName, fn, opts...)
}

// Resolve returns the registration for the given type name. Returns an error
// if the type is not registered.
func (r *Registry) Resolve(typeName string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.activities[typeName]
	if !ok {
		return Registration{}, fmt.Errorf("activity type %q is not registered", typeName)
	}
	return reg, nil
}

// Defaults returns the per-type retry policy and timeouts registered for the
// given type name, nil for whichever was not registered (or for an unknown
// type). The engine consults it when a workflow schedules the activity
// without explicit options.
func (r *Registry) Defaults(typeName string) (*model.RetryPolicy, *model.ActivityTimeouts) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.activities[typeName]
	if !ok {
		return nil, nil
	}
	return reg.Options.RetryPolicy, reg.Options.Timeouts
}

// List returns the registered activity type names, sorted for a stable API
// response.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

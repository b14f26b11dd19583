// Package engine is the execution state machine. It owns the lifecycle of
// executions: starting them, applying decisions produced by replay to durable
// history, and recording activity and timer outcomes as new events. All
// transitions are driven by committed events, never by in-memory state, so a
// crash between "decision produced" and "event committed" leaves an execution
// safely where it was for the next worker to resume.
package engine

// Package replay deterministically reconstructs an execution's in-memory
// state from its durable history and produces the next batch of commands.
//
// Workflow logic is a pure function over the history: all externally-variable
// data enters through activity results, timer fires, and signals recorded as
// events. Re-running the logic over the same history therefore yields the
// same command batch, whether the replay happens right after a crash or weeks
// later on another process. Logic that reads the wall clock, random sources,
// or performs its own I/O breaks this equivalence and is surfaced as a
// NonDeterminismError.
package replay

// Package task implements persisted background tasks: the task model and
// its store contract, the handler registry, the Manager that owns every
// state transition, and the Executor that polls for pending tasks and runs
// them under a concurrency ceiling with retry and timeout handling.
package task

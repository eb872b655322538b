package engine

import "errors"

var (
	// ErrCycleDetected is returned when admitting a dependency or parent
	// edge would make a task reachable from itself. Rejected synchronously;
	// nothing is mutated.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrExecutorFailure wraps a transient executor error. It drives the
	// retry state machine and only escalates once retries are exhausted.
	ErrExecutorFailure = errors.New("executor failure")

	// ErrSchedulerClosed is returned by operations on a stopped scheduler.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

package subagent

import "errors"

var (
	// ErrSemaphoreTimeout means a sub-agent did not obtain an execution
	// slot within the permit timeout. Terminal; the pool never retries.
	ErrSemaphoreTimeout = errors.New("timed out acquiring execution slot")
	// ErrCancelled means the task's token was cancelled before or during
	// execution.
	ErrCancelled = errors.New("cancelled")
	// ErrEmptyBatch means Execute was called with no tasks, which is a
	// caller-contract violation rather than a runtime condition.
	ErrEmptyBatch = errors.New("empty task batch")
	// ErrConventionsSealed means SetConventions was called after builder
	// execution started or more than once.
	ErrConventionsSealed = errors.New("conventions already sealed")
	// ErrReadOnlyBuilder means a read-only task was submitted to a builder
	// batch.
	ErrReadOnlyBuilder = errors.New("read-only task submitted to builder batch")
)

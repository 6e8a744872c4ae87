package protocol

import "errors"

// Error taxonomy shared across the subnet. Per-peer failures
// (ErrInvalidMinerResponse, ErrInvalidCompletion) are local: callers drop the
// offending miner and continue. The *Yet / *Processed values are iterator
// control-flow sentinels, expected by schedulers and not bugs.
var (
	// ErrInvalidValidatorRequest marks a validator-side malformed input,
	// e.g. a missing hotkey or expiry. Rejected before save.
	ErrInvalidValidatorRequest = errors.New("invalid validator request")

	// ErrInvalidMinerResponse marks a miner payload missing identity fields.
	ErrInvalidMinerResponse = errors.New("invalid miner response")

	// ErrInvalidCompletion marks a response with no completions to map.
	ErrInvalidCompletion = errors.New("no completion responses found to map")

	// ErrInvalidTask marks a task without any valid miner responses.
	ErrInvalidTask = errors.New("task has no valid miner responses")

	// ErrInvalidCriteriaType marks an unknown criteria enum value.
	ErrInvalidCriteriaType = errors.New("unknown criteria type")

	// ErrCreateTaskFailed means the worker-platform POST exhausted retries.
	ErrCreateTaskFailed = errors.New("failed to create task on worker platform")

	ErrNoNewUnexpiredTasksYet         = errors.New("no unexpired tasks found for processing")
	ErrUnexpiredTasksAlreadyProcessed = errors.New("all unexpired tasks have already been processed")
	ErrNoNewExpiredTasksYet           = errors.New("no expired tasks found for processing")

	// ErrExpiredFromAfterExpireTo marks a caller-side window violation.
	ErrExpiredFromAfterExpireTo = errors.New("expire_from must not be after expire_to")
)

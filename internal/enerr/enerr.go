// Package enerr defines the error kinds shared across the memory store.
//
// Degradable events (remote embedding, rerank, LLM, preprocess failures)
// are never expressed as errors; they are recorded as degrade reasons on
// otherwise-successful results. The kinds below cover the fatal and
// caller-visible failure modes only.
package enerr

import "errors"

var (
	// ErrValidation marks bad caller input (empty content, non-positive
	// memory id, malformed filters).
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing memory, path, or job.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks alias collisions, deleting a path with children,
	// guard-blocked writes, and non-retryable job states.
	ErrConflict = errors.New("conflict")

	// ErrStaleState marks a state-hash mismatch during cleanup confirm.
	ErrStaleState = errors.New("stale_state")

	// ErrQueueFull marks a full index worker queue.
	ErrQueueFull = errors.New("queue_full")

	// ErrAuthFailed marks a missing or invalid API key.
	ErrAuthFailed = errors.New("auth failed")
)

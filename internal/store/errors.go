// Package store persists job state and the per-job event timeline.
package store

import "errors"

// Sentinel errors for store operations. Use errors.Is() in calling code.
var (
	// ErrNotFound indicates the requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates an attempt to mutate a job that has
	// already reached a terminal status, or a status change that violates
	// the lifecycle order. Producer bug; the event log is left untouched.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrDuplicateTerminalEvent indicates a terminal event type was appended
	// to a job that already has one. The existing event stands.
	ErrDuplicateTerminalEvent = errors.New("duplicate terminal event")
)

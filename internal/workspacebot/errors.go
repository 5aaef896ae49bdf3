package workspacebot

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrMalformedInput = errors.New("malformed input")
	ErrQueueFull      = errors.New("queue full")
	ErrQueueClosed    = errors.New("queue closed")

	// ErrRegistryInconsistency marks a registry entry whose remote location
	// the service no longer knows. Recoverable: the entry is dropped and the
	// operation proceeds as if the file had never been tracked.
	ErrRegistryInconsistency = errors.New("registry inconsistency")
)

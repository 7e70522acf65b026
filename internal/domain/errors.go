package domain

import "errors"

// Sentinel errors shared across the pipeline.
var (
	// ErrNotFound indicates that a requested document was not found.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a uniqueness violation (URL or name already
	// registered).
	ErrDuplicate = errors.New("already exists")

	// ErrAlreadyConnected indicates a second simultaneous event-stream
	// connection from the same recsystem.
	ErrAlreadyConnected = errors.New("recsystem already connected")
)

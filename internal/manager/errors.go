package manager

import "errors"

var (
	// ErrStreamNotFound means the name has no definition. Not retryable.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrInsufficientMemory means available memory was below the floor. Retry later.
	ErrInsufficientMemory = errors.New("insufficient system memory")
	// ErrSpawn means the worker could not be launched.
	ErrSpawn = errors.New("failed to spawn worker")
)

// FailureKind classifies a Start error for metrics and logs.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStreamNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientMemory):
		return "memory"
	case errors.Is(err, ErrSpawn):
		return "spawn"
	default:
		return "other"
	}
}

package store

import "errors"

// Domain error kinds. These cross the tool boundary as structured results,
// never as panics.
var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidState       = errors.New("invalid_state")
	ErrCycleDetected      = errors.New("cycle_detected")
	ErrDepthExceeded      = errors.New("depth_exceeded")
	ErrInputTooLarge      = errors.New("input_too_large")
	ErrTimeout            = errors.New("timeout")
	ErrConflict           = errors.New("conflict")
	ErrBackendUnavailable = errors.New("backend_unavailable")
)

// Kind maps an error to its wire kind string. Unrecognized errors map to
// "internal" and carry minimal detail to the caller.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrCycleDetected):
		return "cycle_detected"
	case errors.Is(err, ErrDepthExceeded):
		return "depth_exceeded"
	case errors.Is(err, ErrInputTooLarge):
		return "input_too_large"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal"
	}
}

// Retriable reports whether the caller may retry the operation.
func Retriable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrBackendUnavailable)
}

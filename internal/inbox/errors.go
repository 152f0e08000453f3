package inbox

import "errors"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("concurrent modification")

	// ErrPartialFanout wraps the first failed inbox write of a fan-out. Entries
	// written before the failure are kept; the sweep completes the rest.
	ErrPartialFanout = errors.New("partial fan-out")
)

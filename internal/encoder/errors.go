package encoder

import "errors"

var (
	// ErrConfig marks construction-time configuration mistakes
	// (unknown transition type, bad dropout rate, ...). Fatal, never retried.
	ErrConfig = errors.New("invalid configuration")

	// ErrInvalidInput marks call-time argument mistakes (nil tensor,
	// geometry that does not factor into batch*seq, lengths mismatch).
	// Raised before any tensor math.
	ErrInvalidInput = errors.New("invalid input")
)

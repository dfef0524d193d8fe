package types

import "errors"

// Record-level errors
var (
	// ErrInvalidTimestamp is returned when a timestamp value matches none of the accepted layouts
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

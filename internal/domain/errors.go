package domain

import "errors"

// ErrInvalidTransition is returned when a caller requests a lifecycle
// transition the state machine does not permit. Caller error, never retried.
var ErrInvalidTransition = errors.New("invalid state transition")

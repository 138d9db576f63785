package abtest

import "errors"

// Sentinel errors for the A/B test service layer.
var (
	ErrNotFound          = errors.New("ab test not found")
	ErrInvalidTransition = errors.New("invalid test status transition")
	ErrAlreadyCompleted  = errors.New("ab test already completed")
	ErrNotRunning        = errors.New("ab test is not running")
	ErrTooFewVariants    = errors.New("ab test needs at least two variants")
)

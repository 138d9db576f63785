package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotStartable      = errors.New("campaign is not in a startable status")
	ErrNoRecipients      = errors.New("campaign has no pending recipients")
)

package webhook

import "errors"

// Sentinel errors for the webhook service layer.
var (
	ErrNotFound     = errors.New("webhook not found")
	ErrNotRetryable = errors.New("delivery is not in a retryable state")
	ErrInactive     = errors.New("webhook is not active")
)

// Package ratelimit provides sliding-window admission control for the
// send pipeline. The Redis implementation checks-and-admits in a single
// Lua script so concurrent workers across processes share one window
// without a check/increment race. When Redis is unreachable, a bounded
// in-process limiter degrades to per-process limiting instead of failing
// closed.
package ratelimit

import (
	"context"
	"time"
)

// AdmissionController decides whether one more request under key may
// proceed right now. Implementations must be safe for concurrent use.
type AdmissionController interface {
	// Allow admits and records the request if the key's window has
	// capacity. It returns false, and a suggested wait, when the window
	// is full.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// Limit is a sliding-window cap: at most N events per rolling window.
type Limit struct {
	N      int
	Window time.Duration
}

package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmail/flowmail/internal/pkg/logger"
)

// FailoverLimiter prefers the shared store and degrades to the in-process
// limiter while the store is unreachable. Degradation means per-process
// limiting only; it never fails closed.
type FailoverLimiter struct {
	primary  AdmissionController
	fallback AdmissionController
	log      zerolog.Logger
}

// NewFailover wires a shared-store limiter with its in-process fallback.
func NewFailover(primary, fallback AdmissionController) *FailoverLimiter {
	return &FailoverLimiter{
		primary:  primary,
		fallback: fallback,
		log:      logger.For("ratelimit"),
	}
}

// Allow implements AdmissionController.
func (l *FailoverLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	allowed, retryAfter, err := l.primary.Allow(ctx, key)
	if err == nil {
		return allowed, retryAfter, nil
	}
	l.log.Warn().Err(err).Str("key", key).Msg("shared rate-limit store unreachable, using in-process window")
	return l.fallback.Allow(ctx, key)
}

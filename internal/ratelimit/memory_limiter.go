package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is the in-process fallback: the same sliding-window
// semantics, scoped to one process. The key map is bounded and swept so a
// long-lived worker cannot grow it without limit.
type MemoryLimiter struct {
	limit      Limit
	maxEntries int

	mu      sync.Mutex
	windows map[string][]int64 // key -> event times, unix ms, ascending
	swept   time.Time
}

// NewMemory creates an in-process sliding-window limiter holding at most
// maxEntries keys.
func NewMemory(limit Limit, maxEntries int) *MemoryLimiter {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryLimiter{
		limit:      limit,
		maxEntries: maxEntries,
		windows:    make(map[string][]int64),
		swept:      time.Now(),
	}
}

// Allow implements AdmissionController.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	windowMs := l.limit.Window.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeSweep(now, windowMs)

	events := l.windows[key]
	// Prune everything outside the window.
	cut := 0
	for cut < len(events) && events[cut] <= now-windowMs {
		cut++
	}
	events = events[cut:]

	if len(events) >= l.limit.N {
		retryAfter := time.Duration(events[0]+windowMs-now) * time.Millisecond
		if retryAfter <= 0 {
			retryAfter = 10 * time.Millisecond
		}
		l.windows[key] = events
		return false, retryAfter, nil
	}

	if _, ok := l.windows[key]; !ok && len(l.windows) >= l.maxEntries {
		// At capacity for new keys: admit without recording rather than
		// failing closed.
		return true, 0, nil
	}
	l.windows[key] = append(events, now)
	return true, 0, nil
}

// maybeSweep drops fully-expired keys, at most once per window.
func (l *MemoryLimiter) maybeSweep(now, windowMs int64) {
	if time.Since(l.swept) < l.limit.Window {
		return
	}
	l.swept = time.Now()
	for key, events := range l.windows {
		if len(events) == 0 || events[len(events)-1] <= now-windowMs {
			delete(l.windows, key)
		}
	}
}

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmail/flowmail/internal/queue"
)

// keepAlive extends a claimed job's visibility deadline until the
// returned stop function is called, so a send outliving the window is
// not handed out a second time by the reclaimer. The tick runs at a
// third of the window, giving two chances before the deadline lapses.
func keepAlive(ctx context.Context, q *queue.Queue, jobID string, log zerolog.Logger) (stop func()) {
	interval := q.VisibilityTimeout() / 3
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := q.Heartbeat(ctx, jobID); err != nil {
					log.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

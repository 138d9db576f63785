package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowmail/flowmail/internal/queue"
)

func (h *Handlers) queueByName(w http.ResponseWriter, r *http.Request) (QueueAdmin, bool) {
	name := chi.URLParam(r, "name")
	q, ok := h.queues[name]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown queue "+name)
		return nil, false
	}
	return q, true
}

// AllQueueStats reports per-state depths for every queue.
func (h *Handlers) AllQueueStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]queue.Stats, len(h.queues))
	for name, q := range h.queues {
		stats, err := q.GetStats(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[name] = stats
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queueByName(w, r)
	if !ok {
		return
	}
	stats, err := q.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queueByName(w, r)
	if !ok {
		return
	}
	if err := q.Pause(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queueByName(w, r)
	if !ok {
		return
	}
	if err := q.Resume(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// DrainQueue discards every waiting and delayed job. Active jobs finish.
func (h *Handlers) DrainQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queueByName(w, r)
	if !ok {
		return
	}
	removed, err := q.Drain(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queueByName(w, r)
	if !ok {
		return
	}
	job, state, err := q.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"job":   job,
		"state": state,
	})
}

// RetryJob requeues a terminally failed job with a fresh attempt budget.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queueByName(w, r)
	if !ok {
		return
	}
	retried, err := q.RetryJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !retried {
		respondError(w, http.StatusConflict, "job is not in the failed set")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}

func (h *Handlers) RemoveJob(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queueByName(w, r)
	if !ok {
		return
	}
	removed, err := q.RemoveJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// Health reports process liveness plus backing-store reachability.
// WorkerStatus summarizes per-queue processing state for the worker
// fleet, derived from queue counters.
func (h *Handlers) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, len(h.queues))
	for name, q := range h.queues {
		stats, err := q.GetStats(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		state := "processing"
		switch {
		case stats.Paused:
			state = "paused"
		case stats.Active == 0 && stats.Waiting == 0 && stats.Delayed == 0:
			state = "idle"
		}
		out[name] = map[string]any{
			"state": state,
			"stats": stats,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"workers": out})
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	probe := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	probe("postgres", h.db)
	probe("redis", h.redis)

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

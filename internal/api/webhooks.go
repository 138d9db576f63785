package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowmail/flowmail/internal/domain"
)

func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.webhooks.List(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"webhooks": hooks,
		"total":    len(hooks),
	})
}

// CreateWebhook registers a webhook subscription. The response carries
// the generated HMAC secret exactly once; it is never returned again.
func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var hook domain.Webhook
	if !decodeJSON(w, r, &hook) {
		return
	}
	created, err := h.webhooks.Create(r.Context(), &hook)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"webhook": created,
		"secret":  created.Secret,
	})
}

func (h *Handlers) GetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := h.webhooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hook)
}

func (h *Handlers) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var hook domain.Webhook
	if !decodeJSON(w, r, &hook) {
		return
	}
	hook.ID = chi.URLParam(r, "id")
	if err := h.webhooks.Update(r.Context(), &hook); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.webhooks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// TestWebhook fires a synchronous test event at the endpoint and returns
// the raw outcome without touching the delivery log.
func (h *Handlers) TestWebhook(w http.ResponseWriter, r *http.Request) {
	result, err := h.webhooks.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) WebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	deliveries, err := h.webhooks.Deliveries(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"limit":      limit,
		"offset":     offset,
	})
}

// WebhookStats aggregates delivery outcomes over a window (hours query
// parameter, default 24).
func (h *Handlers) WebhookStats(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	if hours < 1 {
		hours = 24
	}
	stats, err := h.webhooks.Stats(r.Context(), chi.URLParam(r, "id"), time.Duration(hours)*time.Hour)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// RetryDelivery requeues a terminally failed delivery with a fresh
// attempt budget.
func (h *Handlers) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	if err := h.webhooks.RetryDelivery(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}

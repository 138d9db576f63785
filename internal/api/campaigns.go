package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/service/campaign"
)

// ListCampaigns returns campaigns filtered by status, newest first.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	campaigns, total, err := h.campaigns.List(r.Context(), campaign.ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"campaigns": campaigns,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

// CreateCampaign creates a draft campaign.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c domain.Campaign
	if !decodeJSON(w, r, &c) {
		return
	}
	created, err := h.campaigns.Create(r.Context(), &c)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// AddRecipients bulk-loads recipients into a campaign. Duplicate emails
// within the upload are dropped.
func (h *Handlers) AddRecipients(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipients []domain.Recipient `json:"recipients"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Recipients) == 0 {
		respondError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	added, err := h.campaigns.AddRecipients(r.Context(), chi.URLParam(r, "id"), body.Recipients)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"added": added})
}

// QueueCampaign expands the campaign's pending recipients into email jobs
// and moves it to sending.
func (h *Handlers) QueueCampaign(w http.ResponseWriter, r *http.Request) {
	queued, err := h.campaigns.Queue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sending"})
}

func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// RetryFailedCampaign requeues the campaign's failed recipients.
func (h *Handlers) RetryFailedCampaign(w http.ResponseWriter, r *http.Request) {
	requeued, err := h.campaigns.RetryFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"requeued": requeued})
}

// CampaignStatus reports delivery progress and a drain estimate.
func (h *Handlers) CampaignStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.campaigns.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// CompleteCheckCampaign runs the completion check on demand instead of
// waiting for the background sweep.
func (h *Handlers) CompleteCheckCampaign(w http.ResponseWriter, r *http.Request) {
	done, err := h.campaigns.CheckAndComplete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"completed": done})
}

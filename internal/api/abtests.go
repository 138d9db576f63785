package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/service/abtest"
)

// CreateABTest creates a draft split test on a campaign.
func (h *Handlers) CreateABTest(w http.ResponseWriter, r *http.Request) {
	var input abtest.CreateInput
	if !decodeJSON(w, r, &input) {
		return
	}
	t, err := h.abtests.Create(r.Context(), input)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (h *Handlers) GetABTest(w http.ResponseWriter, r *http.Request) {
	t, err := h.abtests.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// StartABTest splits the sample, queues the variant sends and schedules
// winner selection.
func (h *Handlers) StartABTest(w http.ResponseWriter, r *http.Request) {
	queued, err := h.abtests.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// SelectWinner applies a manual winner choice and rolls it out to the
// holdout.
func (h *Handlers) SelectWinner(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VariantID string `json:"variant_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.VariantID == "" {
		respondError(w, http.StatusBadRequest, "variant_id is required")
		return
	}
	if err := h.abtests.SelectWinner(r.Context(), chi.URLParam(r, "id"), body.VariantID); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"winner": body.VariantID})
}

func (h *Handlers) ABTestResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.abtests.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

// RecordABTestEvent ingests an engagement event (open, click, conversion)
// against a variant's counters.
func (h *Handlers) RecordABTestEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VariantID string           `json:"variant_id"`
		Event     domain.EventType `json:"event"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.VariantID == "" || body.Event == "" {
		respondError(w, http.StatusBadRequest, "variant_id and event are required")
		return
	}
	if err := h.abtests.RecordEvent(r.Context(), body.VariantID, body.Event); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

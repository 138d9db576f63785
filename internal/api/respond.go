package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/flowmail/flowmail/internal/service/abtest"
	"github.com/flowmail/flowmail/internal/service/campaign"
	"github.com/flowmail/flowmail/internal/service/webhook"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps service sentinels onto HTTP statuses so
// handlers never switch on errors themselves.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, abtest.ErrNotFound),
		errors.Is(err, webhook.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrNotStartable),
		errors.Is(err, abtest.ErrInvalidTransition),
		errors.Is(err, abtest.ErrAlreadyCompleted),
		errors.Is(err, abtest.ErrNotRunning),
		errors.Is(err, webhook.ErrNotRetryable):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, abtest.ErrTooFewVariants):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// queryInt parses an integer query parameter, falling back to def on
// absence or garbage.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func pagination(r *http.Request) (limit, offset int) {
	limit = queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset = queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

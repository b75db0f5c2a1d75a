package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/churnwatch/internal/models"
)

// ListWatchlist handles GET /watchlist?all=&limit=&offset=
// Only active entries are listed unless all=true.
func (h *Handler) ListWatchlist(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	entries, err := h.store.ListWatchlist(r.Context(), !boolParam(r, "all"), limit, offset)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"watchlist": entries, "count": len(entries)})
}

// AdmitToWatchlist handles POST /watchlist
func (h *Handler) AdmitToWatchlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID       string         `json:"customer_id"`
		ChurnProbability float64        `json:"churn_probability"`
		AnomalyContext   models.JSONMap `json:"anomaly_context"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadBody(w, r, err)
		return
	}
	if req.CustomerID == "" {
		respondStructuredError(w, http.StatusBadRequest, ErrCodeValidationFailed, "customer_id is required", requestID(r), map[string]string{"customer_id": "required"})
		return
	}
	if req.ChurnProbability < 0 || req.ChurnProbability > 1 {
		respondStructuredError(w, http.StatusBadRequest, ErrCodeValidationFailed, "churn_probability must be within [0, 1]", requestID(r), map[string]string{"churn_probability": "out of range"})
		return
	}

	entry, err := h.detection.AdmitToWatchlist(r.Context(), req.CustomerID, req.ChurnProbability, req.AnomalyContext)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if entry == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"admitted": false,
			"message":  "churn probability is below the admission threshold",
		})
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"admitted": true, "entry": entry})
}

// RemoveFromWatchlist handles DELETE /watchlist/{customerId}
func (h *Handler) RemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	customerID := mux.Vars(r)["customerId"]
	if err := h.detection.RemoveFromWatchlist(r.Context(), customerID); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Customer removed from watchlist", "customer_id": customerID})
}

package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kubilitics/churnwatch/internal/models"
)

type statusRequest struct {
	Status string `json:"status"`
}

// ListAlerts handles GET /alerts?status=&customer_id=&severity=&since=&limit=&offset=
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	q := r.URL.Query()
	f := models.AlertFilter{CustomerID: q.Get("customer_id"), Limit: limit, Offset: offset}

	if s := q.Get("status"); s != "" {
		if f.Status, err = models.ParseAlertStatus(s); err != nil {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
	}
	if s := q.Get("severity"); s != "" {
		if f.Severity, err = models.ParseSeverity(s); err != nil {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "since must be an RFC3339 timestamp")
			return
		}
		f.Since = &since
	}

	alerts, err := h.store.ListAlerts(r.Context(), f)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

// GetAlert handles GET /alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.store.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

// UpdateAlertStatus handles POST /alerts/{id}/status
func (h *Handler) UpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadBody(w, r, err)
		return
	}
	status, err := models.ParseAlertStatus(req.Status)
	if err != nil {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
		return
	}

	alert, err := h.alerts.TransitionAlert(r.Context(), mux.Vars(r)["id"], status)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

package rest

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/repository"
)

type createCustomerRequest struct {
	ExternalID     string  `json:"external_id"`
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Tenure         int     `json:"tenure"`
	OrderCount     int     `json:"order_count"`
	CashbackAmount float64 `json:"cashback_amount"`
}

func (req createCustomerRequest) validate() map[string]string {
	problems := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		problems["name"] = "required"
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		problems["email"] = "invalid"
	}
	if req.Tenure < 0 {
		problems["tenure"] = "must not be negative"
	}
	if req.OrderCount < 0 {
		problems["order_count"] = "must not be negative"
	}
	return problems
}

// ListCustomers handles GET /customers?limit=&offset=
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	customers, err := h.store.ListCustomers(r.Context(), limit, offset)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"customers": customers, "count": len(customers)})
}

// CreateCustomer handles POST /customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadBody(w, r, err)
		return
	}
	if problems := req.validate(); len(problems) > 0 {
		respondStructuredError(w, http.StatusBadRequest, ErrCodeValidationFailed, "customer validation failed", requestID(r), problems)
		return
	}

	if req.ExternalID != "" {
		_, err := h.store.GetCustomerByExternalID(r.Context(), req.ExternalID)
		switch {
		case err == nil:
			respondErrorWithCode(w, r, http.StatusConflict, ErrCodeConflict, "customer with external_id "+req.ExternalID+" already exists")
			return
		case !errors.Is(err, repository.ErrNotFound):
			h.respondServiceError(w, r, err)
			return
		}
	}

	c := &models.Customer{
		ExternalID:     req.ExternalID,
		Name:           strings.TrimSpace(req.Name),
		Email:          req.Email,
		Tenure:         req.Tenure,
		OrderCount:     req.OrderCount,
		CashbackAmount: req.CashbackAmount,
	}
	if err := h.store.CreateCustomer(r.Context(), c); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// GetCustomer handles GET /customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCustomer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// IngestEvent handles POST /customers/{id}/events. With ?async=true the
// event is queued as a process_event task and 202 is returned.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType string          `json:"event_type"`
		Metadata  models.Metadata `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadBody(w, r, err)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if err := h.events.EnqueueEvent(mux.Vars(r)["id"], req.EventType, req.Metadata); err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]interface{}{"queued": true})
		return
	}

	e, err := h.events.ProcessEvent(r.Context(), mux.Vars(r)["id"], req.EventType, req.Metadata)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

// DetectCustomer handles POST /customers/{id}/detect - synchronous anomaly detection
func (h *Handler) DetectCustomer(w http.ResponseWriter, r *http.Request) {
	res := h.detection.DetectCustomer(r.Context(), mux.Vars(r)["id"])
	if !res.IsOk() {
		h.respondServiceError(w, r, res.Err)
		return
	}
	if res.Value == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"available": false,
			"message":   "detection unavailable: the outlier model could not be fitted",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"available": true, "result": res.Value})
}

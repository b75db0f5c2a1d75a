package rest

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kubilitics/churnwatch/internal/alerting"
	"github.com/kubilitics/churnwatch/internal/models"
)

type createRuleRequest struct {
	Name                    string   `json:"name"`
	Description             string   `json:"description"`
	Active                  *bool    `json:"is_active"`
	ChurnThreshold          float64  `json:"churn_threshold"`
	SuddenIncreaseThreshold float64  `json:"sudden_increase_threshold"`
	SendEmail               bool     `json:"send_email"`
	EmailRecipients         []string `json:"email_recipients"`
	CheckFrequencyMinutes   int      `json:"check_frequency_minutes"`
	CooldownHours           int      `json:"cooldown_hours"`
}

func (req createRuleRequest) validate() map[string]string {
	problems := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		problems["name"] = "required"
	}
	if req.ChurnThreshold <= 0 || req.ChurnThreshold > 1 {
		problems["churn_threshold"] = "must be within (0, 1]"
	}
	if req.SuddenIncreaseThreshold <= 0 || req.SuddenIncreaseThreshold > 1 {
		problems["sudden_increase_threshold"] = "must be within (0, 1]"
	}
	if req.CheckFrequencyMinutes < 0 {
		problems["check_frequency_minutes"] = "must not be negative"
	}
	if req.CooldownHours < 0 {
		problems["cooldown_hours"] = "must not be negative"
	}
	if req.SendEmail && len(req.EmailRecipients) == 0 {
		problems["email_recipients"] = "required when send_email is set"
	}
	return problems
}

// ListChurnAlerts handles GET /churn-alerts?status=&customer_id=&limit=&offset=
func (h *Handler) ListChurnAlerts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	var status models.ChurnAlertStatus
	if s := r.URL.Query().Get("status"); s != "" {
		if status, err = models.ParseChurnAlertStatus(s); err != nil {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
	}

	alerts, err := h.store.ListChurnAlerts(r.Context(), status, r.URL.Query().Get("customer_id"), limit, offset)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

// UpdateChurnAlertStatus handles POST /churn-alerts/{id}/status
func (h *Handler) UpdateChurnAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadBody(w, r, err)
		return
	}
	status, err := models.ParseChurnAlertStatus(req.Status)
	if err != nil {
		respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
		return
	}

	alert, err := h.monitor.TransitionChurnAlert(r.Context(), mux.Vars(r)["id"], status)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

// ListRules handles GET /rules?active=
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListRules(r.Context(), boolParam(r, "active"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rules": rules, "count": len(rules)})
}

// CreateRule handles POST /rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadBody(w, r, err)
		return
	}
	if problems := req.validate(); len(problems) > 0 {
		respondStructuredError(w, http.StatusBadRequest, ErrCodeValidationFailed, "rule validation failed", requestID(r), problems)
		return
	}

	rule := &models.AlertRule{
		Name:                    strings.TrimSpace(req.Name),
		Description:             req.Description,
		Active:                  req.Active == nil || *req.Active,
		ChurnThreshold:          req.ChurnThreshold,
		SuddenIncreaseThreshold: req.SuddenIncreaseThreshold,
		SendEmail:               req.SendEmail,
		EmailRecipients:         strings.Join(req.EmailRecipients, ","),
		CheckFrequencyMinutes:   req.CheckFrequencyMinutes,
		CooldownHours:           req.CooldownHours,
	}
	if rule.CheckFrequencyMinutes == 0 {
		rule.CheckFrequencyMinutes = 60
	}
	if err := h.store.CreateRule(r.Context(), rule); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// RunMonitor handles POST /monitor/run?dry_run=&force=
func (h *Handler) RunMonitor(w http.ResponseWriter, r *http.Request) {
	opts := alerting.MonitorOptions{DryRun: boolParam(r, "dry_run"), Force: boolParam(r, "force")}
	sum, err := h.monitor.Run(r.Context(), opts)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"dry_run": opts.DryRun,
		"force":   opts.Force,
		"summary": sum,
	})
}

// ModelStatus handles GET /model
func (h *Handler) ModelStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.model.Status())
}

// BuildModel handles POST /model/build?sample_size=
func (h *Handler) BuildModel(w http.ResponseWriter, r *http.Request) {
	sampleSize := 0
	if s := r.URL.Query().Get("sample_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondErrorWithCode(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, errInvalidParam("sample_size").Error())
			return
		}
		sampleSize = n
	}

	built, err := h.model.BuildBaselineModel(r.Context(), sampleSize)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	body := map[string]interface{}{"built": built, "status": h.model.Status()}
	if !built {
		body["message"] = "not enough customers with events to fit the model"
	}
	respondJSON(w, http.StatusOK, body)
}

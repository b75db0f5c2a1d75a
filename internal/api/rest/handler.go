// Package rest serves the churnwatch HTTP API under /api/v1.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/alerting"
	"github.com/kubilitics/churnwatch/internal/analytics/anomaly"
	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/tasks"
)

// Store is the read/write persistence the API serves from.
type Store interface {
	ListAlerts(ctx context.Context, f models.AlertFilter) ([]*models.AnomalyAlert, error)
	GetAlert(ctx context.Context, id string) (*models.AnomalyAlert, error)
	ListWatchlist(ctx context.Context, activeOnly bool, limit, offset int) ([]*models.WatchlistEntry, error)
	CreateCustomer(ctx context.Context, c *models.Customer) error
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	GetCustomerByExternalID(ctx context.Context, externalID string) (*models.Customer, error)
	ListCustomers(ctx context.Context, limit, offset int) ([]*models.Customer, error)
	ListChurnAlerts(ctx context.Context, status models.ChurnAlertStatus, customerID string, limit, offset int) ([]*models.ChurnAlert, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*models.AlertRule, error)
	CreateRule(ctx context.Context, rule *models.AlertRule) error
	Ping(ctx context.Context) error
}

// AlertTransitioner moves anomaly alerts through their lifecycle.
type AlertTransitioner interface {
	TransitionAlert(ctx context.Context, id string, status models.AlertStatus) (*models.AnomalyAlert, error)
}

// Detection runs on-demand detection and watchlist changes.
type Detection interface {
	DetectCustomer(ctx context.Context, customerID string) tasks.Result
	AdmitToWatchlist(ctx context.Context, customerID string, probability float64, anomalyContext models.JSONMap) (*models.WatchlistEntry, error)
	RemoveFromWatchlist(ctx context.Context, customerID string) error
}

// EventIngester records customer events.
type EventIngester interface {
	ProcessEvent(ctx context.Context, customerID, eventType string, metadata models.Metadata) (*models.Event, error)
	EnqueueEvent(customerID, eventType string, metadata models.Metadata) error
}

// Model exposes the outlier model.
type Model interface {
	BuildBaselineModel(ctx context.Context, sampleSize int) (bool, error)
	Status() anomaly.ModelStatus
}

// ChurnMonitor runs the churn rule monitor and manages its alerts.
type ChurnMonitor interface {
	Run(ctx context.Context, opts alerting.MonitorOptions) (alerting.MonitorSummary, error)
	TransitionChurnAlert(ctx context.Context, id string, status models.ChurnAlertStatus) (*models.ChurnAlert, error)
}

// Deps are the collaborators a Handler serves.
type Deps struct {
	Store     Store
	Alerts    AlertTransitioner
	Detection Detection
	Events    EventIngester
	Model     Model
	Monitor   ChurnMonitor
}

// Handler manages HTTP request handlers
type Handler struct {
	store     Store
	alerts    AlertTransitioner
	detection Detection
	events    EventIngester
	model     Model
	monitor   ChurnMonitor
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(d Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:     d.Store,
		alerts:    d.Alerts,
		detection: d.Detection,
		events:    d.Events,
		model:     d.Model,
		monitor:   d.Monitor,
		logger:    logger.Named("rest"),
	}
}

// SetupRoutes configures API routes on the /api/v1 subrouter.
func SetupRoutes(router *mux.Router, h *Handler) {
	// Anomaly alerts
	router.HandleFunc("/alerts", h.ListAlerts).Methods("GET")
	router.HandleFunc("/alerts/{id}", h.GetAlert).Methods("GET")
	router.HandleFunc("/alerts/{id}/status", h.UpdateAlertStatus).Methods("POST")

	// Watchlist
	router.HandleFunc("/watchlist", h.ListWatchlist).Methods("GET")
	router.HandleFunc("/watchlist", h.AdmitToWatchlist).Methods("POST")
	router.HandleFunc("/watchlist/{customerId}", h.RemoveFromWatchlist).Methods("DELETE")

	// Customers
	router.HandleFunc("/customers", h.ListCustomers).Methods("GET")
	router.HandleFunc("/customers", h.CreateCustomer).Methods("POST")
	router.HandleFunc("/customers/{id}", h.GetCustomer).Methods("GET")
	router.HandleFunc("/customers/{id}/events", h.IngestEvent).Methods("POST")
	router.HandleFunc("/customers/{id}/detect", h.DetectCustomer).Methods("POST")

	// Outlier model
	router.HandleFunc("/model", h.ModelStatus).Methods("GET")
	router.HandleFunc("/model/build", h.BuildModel).Methods("POST")

	// Churn alert rules and monitor
	router.HandleFunc("/churn-alerts", h.ListChurnAlerts).Methods("GET")
	router.HandleFunc("/churn-alerts/{id}/status", h.UpdateChurnAlertStatus).Methods("POST")
	router.HandleFunc("/rules", h.ListRules).Methods("GET")
	router.HandleFunc("/rules", h.CreateRule).Methods("POST")
	router.HandleFunc("/monitor/run", h.RunMonitor).Methods("POST")
}

// SetupSystemRoutes registers /health and /metrics on the root router.
func SetupSystemRoutes(router *mux.Router, h *Handler) {
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Health handles GET /health - database connectivity and model state
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"reason": "database_unavailable",
			"error":  err.Error(),
		})
		return
	}
	body := map[string]interface{}{"status": "healthy", "service": "churnwatch"}
	if h.model != nil {
		body["model"] = h.model.Status()
	}
	respondJSON(w, http.StatusOK, body)
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// pagination reads limit and offset query parameters. Zero means the store default.
func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			return 0, 0, errInvalidParam("limit")
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return 0, 0, errInvalidParam("offset")
		}
	}
	return limit, offset, nil
}

type paramError string

func (e paramError) Error() string { return "invalid " + string(e) + " parameter" }

func errInvalidParam(name string) error { return paramError(name) }

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

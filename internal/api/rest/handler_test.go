package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/churnwatch/internal/alerting"
	"github.com/kubilitics/churnwatch/internal/analytics/anomaly"
	"github.com/kubilitics/churnwatch/internal/api/middleware"
	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/repository"
	"github.com/kubilitics/churnwatch/internal/service"
	"github.com/kubilitics/churnwatch/internal/tasks"
)

// stubDetector serves as both the service detector and the model.
type stubDetector struct {
	results map[string]*anomaly.Result
	built   bool
}

func (d *stubDetector) DetectAnomaly(_ context.Context, customerID string) (*anomaly.Result, error) {
	if customerID == "missing" {
		return nil, repository.ErrNotFound
	}
	return d.results[customerID], nil
}

func (d *stubDetector) BuildBaselineModel(context.Context, int) (bool, error) {
	return d.built, nil
}

func (d *stubDetector) RefreshBaseline(context.Context, string) (*models.BehaviorBaseline, error) {
	return nil, nil
}

func (d *stubDetector) Status() anomaly.ModelStatus {
	return anomaly.ModelStatus{Fitted: d.built, SampleCount: 3}
}

type fixedPredictor struct{ p models.Prediction }

func (f fixedPredictor) Predict(context.Context, *models.Customer) (models.Prediction, error) {
	return f.p, nil
}

type discardTasks struct{}

func (discardTasks) Submit(tasks.Task) error { return nil }

type apiFixture struct {
	repo     *repository.SQLRepository
	detector *stubDetector
	router   *mux.Router
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })

	det := &stubDetector{results: map[string]*anomaly.Result{}}
	predictor := fixedPredictor{p: models.Prediction{ChurnProbability: 0.5, ValueScore: 0.4, SegmentID: 2}}
	engine := alerting.NewEngine(repo, nil, alerting.EngineOptions{}, nil)
	detection := service.NewDetectionService(repo, det, engine, predictor, discardTasks{}, nil, nil, service.DetectionOptions{}, nil)
	events := service.NewEventService(repo, detection, discardTasks{}, service.RetryPolicy{}, nil)
	monitor := alerting.NewMonitor(repo, predictor, nil, alerting.RuleDefaults{}, nil)

	h := NewHandler(Deps{
		Store:     repo,
		Alerts:    engine,
		Detection: detection,
		Events:    events,
		Model:     det,
		Monitor:   monitor,
	}, nil)

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	SetupSystemRoutes(router, h)
	SetupRoutes(router.PathPrefix("/api/v1").Subrouter(), h)
	return &apiFixture{repo: repo, detector: det, router: router}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (f *apiFixture) customer(t *testing.T, name string) *models.Customer {
	t.Helper()
	c := &models.Customer{ExternalID: "ext-" + name, Name: name}
	require.NoError(t, f.repo.CreateCustomer(context.Background(), c))
	return c
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.NotNil(t, body["model"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "churnwatch_")
}

func TestCustomers(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/customers", map[string]interface{}{
		"external_id": "cust-1", "name": "Ada", "email": "ada@example.com", "tenure": 12,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.Customer
	decode(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.DefaultSegment, created.CurrentSegmentID)

	rec = f.do(t, http.MethodPost, "/api/v1/customers", map[string]interface{}{"external_id": "cust-1", "name": "Dup"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/customers", map[string]interface{}{"name": " ", "email": "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr APIError
	decode(t, rec, &apiErr)
	assert.Equal(t, ErrCodeValidationFailed, apiErr.Code)
	assert.Equal(t, "required", apiErr.Details["name"])
	assert.Equal(t, "invalid", apiErr.Details["email"])
	assert.NotEmpty(t, apiErr.RequestID)

	rec = f.do(t, http.MethodPost, "/api/v1/customers", map[string]interface{}{"name": "x", "unknown": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/customers/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/customers/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	decode(t, rec, &apiErr)
	assert.Equal(t, ErrCodeNotFound, apiErr.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/customers?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = f.do(t, http.MethodGet, "/api/v1/customers?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestEvent(t *testing.T) {
	f := newAPIFixture(t)
	c := f.customer(t, "events")

	rec := f.do(t, http.MethodPost, "/api/v1/customers/"+c.ID+"/events", map[string]interface{}{
		"event_type": "purchase",
		"metadata":   map[string]interface{}{"amount": 42.5},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var e models.Event
	decode(t, rec, &e)
	assert.Equal(t, models.EventPurchase, e.Type)
	assert.True(t, e.Processed, "critical events queue detection")

	rec = f.do(t, http.MethodPost, "/api/v1/customers/"+c.ID+"/events", map[string]interface{}{"event_type": "teleport"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr APIError
	decode(t, rec, &apiErr)
	assert.Equal(t, ErrCodeValidationFailed, apiErr.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/customers/missing/events", map[string]interface{}{"event_type": "login"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/customers/"+c.ID+"/events?async=true", map[string]interface{}{"event_type": "login"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/customers/"+c.ID+"/events?async=true", map[string]interface{}{"event_type": "teleport"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlerts(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	c := f.customer(t, "alerts")

	high := &models.AnomalyAlert{CustomerID: c.ID, AlertType: models.AlertPurchaseDrop, Severity: models.SeverityHigh, Description: "drop", AnomalyScore: -0.8}
	low := &models.AnomalyAlert{CustomerID: c.ID, AlertType: models.AlertLoginDrop, Severity: models.SeverityLow, Description: "dip", AnomalyScore: -0.52}
	for _, a := range []*models.AnomalyAlert{high, low} {
		ok, err := f.repo.CreateAlertUnlessRecent(ctx, a, time.Now().Add(-6*time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/alerts?severity=high&customer_id="+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Alerts []models.AnomalyAlert `json:"alerts"`
		Count  int                   `json:"count"`
	}
	decode(t, rec, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, high.ID, list.Alerts[0].ID)

	for _, q := range []string{"status=closed", "severity=urgent", "since=yesterday"} {
		rec = f.do(t, http.MethodGet, "/api/v1/alerts?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/alerts/"+high.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/alerts/"+high.ID+"/status", map[string]string{"status": "resolved"})
	assert.Equal(t, http.StatusConflict, rec.Code, "new alerts must be acknowledged first")

	rec = f.do(t, http.MethodPost, "/api/v1/alerts/"+high.ID+"/status", map[string]string{"status": "acknowledged"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.AnomalyAlert
	decode(t, rec, &updated)
	assert.Equal(t, models.AlertStatusAcknowledged, updated.Status)
	assert.NotNil(t, updated.AcknowledgedAt)

	rec = f.do(t, http.MethodPost, "/api/v1/alerts/"+high.ID+"/status", map[string]string{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/alerts/missing/status", map[string]string{"status": "acknowledged"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatchlist(t *testing.T) {
	f := newAPIFixture(t)
	c := f.customer(t, "watch")

	rec := f.do(t, http.MethodPost, "/api/v1/watchlist", map[string]interface{}{"customer_id": c.ID, "churn_probability": 0.7})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var admitted struct {
		Admitted bool                  `json:"admitted"`
		Entry    models.WatchlistEntry `json:"entry"`
	}
	decode(t, rec, &admitted)
	assert.True(t, admitted.Admitted)
	assert.Equal(t, models.RiskHigh, admitted.Entry.RiskLevel)

	other := f.customer(t, "calm")
	rec = f.do(t, http.MethodPost, "/api/v1/watchlist", map[string]interface{}{"customer_id": other.ID, "churn_probability": 0.1})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &admitted)
	assert.False(t, admitted.Admitted)

	rec = f.do(t, http.MethodPost, "/api/v1/watchlist", map[string]interface{}{"customer_id": c.ID, "churn_probability": 1.5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/watchlist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = f.do(t, http.MethodDelete, "/api/v1/watchlist/"+c.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/v1/watchlist/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/watchlist?all=true", nil)
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count, "inactive entries are listed with all=true")
}

func TestDetectCustomer(t *testing.T) {
	f := newAPIFixture(t)
	c := f.customer(t, "detect")

	rec := f.do(t, http.MethodPost, "/api/v1/customers/"+c.ID+"/detect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, false, body["available"])

	f.detector.results[c.ID] = &anomaly.Result{CustomerID: c.ID, Customer: c, IsAnomaly: true, AnomalyScore: -0.55, DetectedAt: time.Now()}
	rec = f.do(t, http.MethodPost, "/api/v1/customers/"+c.ID+"/detect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, true, body["available"])

	alerts, err := f.repo.ListAlerts(context.Background(), models.AlertFilter{CustomerID: c.ID})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	rec = f.do(t, http.MethodPost, "/api/v1/customers/missing/detect", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModel(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/model/build", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, false, body["built"])
	assert.NotEmpty(t, body["message"])

	f.detector.built = true
	rec = f.do(t, http.MethodPost, "/api/v1/model/build?sample_size=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, true, body["built"])

	rec = f.do(t, http.MethodPost, "/api/v1/model/build?sample_size=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/model", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st anomaly.ModelStatus
	decode(t, rec, &st)
	assert.True(t, st.Fitted)
}

func TestRulesAndMonitor(t *testing.T) {
	f := newAPIFixture(t)
	f.customer(t, "monitored")

	rec := f.do(t, http.MethodPost, "/api/v1/rules", map[string]interface{}{"name": "bad", "churn_threshold": 2})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr APIError
	decode(t, rec, &apiErr)
	assert.Contains(t, apiErr.Details, "churn_threshold")
	assert.Contains(t, apiErr.Details, "sudden_increase_threshold")

	rec = f.do(t, http.MethodPost, "/api/v1/monitor/run?dry_run=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run struct {
		DryRun  bool                    `json:"dry_run"`
		Summary alerting.MonitorSummary `json:"summary"`
	}
	decode(t, rec, &run)
	assert.True(t, run.DryRun)
	assert.Equal(t, 1, run.Summary.CustomersChecked)
	assert.Positive(t, run.Summary.AlertsCreated)

	rec = f.do(t, http.MethodGet, "/api/v1/rules", nil)
	var rules struct {
		Count int `json:"count"`
	}
	decode(t, rec, &rules)
	assert.Equal(t, 0, rules.Count, "dry run does not persist the default rule")

	rec = f.do(t, http.MethodPost, "/api/v1/rules", map[string]interface{}{
		"name":                      "Strict",
		"churn_threshold":           0.3,
		"sudden_increase_threshold": 0.1,
		"cooldown_hours":            24,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule models.AlertRule
	decode(t, rec, &rule)
	assert.True(t, rule.Active)
	assert.Equal(t, 60, rule.CheckFrequencyMinutes)

	rec = f.do(t, http.MethodPost, "/api/v1/monitor/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &run)
	assert.Equal(t, 1, run.Summary.RulesProcessed)
	require.Positive(t, run.Summary.AlertsCreated)

	rec = f.do(t, http.MethodGet, "/api/v1/churn-alerts?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var churn struct {
		Alerts []models.ChurnAlert `json:"alerts"`
		Count  int                 `json:"count"`
	}
	decode(t, rec, &churn)
	require.Equal(t, run.Summary.AlertsCreated, churn.Count)

	id := churn.Alerts[0].ID
	rec = f.do(t, http.MethodPost, "/api/v1/churn-alerts/"+id+"/status", map[string]string{"status": "dismissed"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/churn-alerts/"+id+"/status", map[string]string{"status": "acknowledged"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

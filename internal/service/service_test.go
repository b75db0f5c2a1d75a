package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/churnwatch/internal/alerting"
	"github.com/kubilitics/churnwatch/internal/analytics/anomaly"
	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/repository"
	"github.com/kubilitics/churnwatch/internal/tasks"
)

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newCustomer(t *testing.T, repo *repository.SQLRepository, name string) *models.Customer {
	t.Helper()
	c := &models.Customer{ExternalID: "ext-" + name, Name: name}
	require.NoError(t, repo.CreateCustomer(context.Background(), c))
	return c
}

// queue records submitted tasks so tests can run them explicitly.
type queue struct {
	mu    sync.Mutex
	tasks []tasks.Task
}

func (q *queue) Submit(t tasks.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *queue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Name)
	}
	return out
}

func (q *queue) runAll(ctx context.Context) []tasks.Result {
	q.mu.Lock()
	pending := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	out := make([]tasks.Result, 0, len(pending))
	for _, t := range pending {
		out = append(out, t.Run(ctx))
	}
	return out
}

type pushed struct {
	group string
	msg   models.WebSocketMessage
}

type recordingPusher struct {
	mu   sync.Mutex
	msgs []pushed
}

func (p *recordingPusher) Broadcast(group string, msg models.WebSocketMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, pushed{group, msg})
}

func (p *recordingPusher) byGroup(group string) []models.WebSocketMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.WebSocketMessage
	for _, m := range p.msgs {
		if m.group == group {
			out = append(out, m.msg)
		}
	}
	return out
}

// scriptedDetector returns canned results per customer.
type scriptedDetector struct {
	results   map[string]*anomaly.Result
	errs      map[string]error
	mu        sync.Mutex
	refreshed []string
}

func (d *scriptedDetector) DetectAnomaly(_ context.Context, id string) (*anomaly.Result, error) {
	if err := d.errs[id]; err != nil {
		return nil, err
	}
	return d.results[id], nil
}

func (d *scriptedDetector) BuildBaselineModel(context.Context, int) (bool, error) { return true, nil }

func (d *scriptedDetector) RefreshBaseline(_ context.Context, id string) (*models.BehaviorBaseline, error) {
	if err := d.errs[id]; err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.refreshed = append(d.refreshed, id)
	d.mu.Unlock()
	return &models.BehaviorBaseline{CustomerID: id}, nil
}

func (d *scriptedDetector) Status() anomaly.ModelStatus { return anomaly.ModelStatus{Fitted: true} }

type fixedPredictor struct {
	p   models.Prediction
	err error
}

func (f fixedPredictor) Predict(context.Context, *models.Customer) (models.Prediction, error) {
	return f.p, f.err
}

func anomalyFor(c *models.Customer, score float64, findings ...models.Finding) *anomaly.Result {
	return &anomaly.Result{
		CustomerID:   c.ID,
		Customer:     c,
		IsAnomaly:    score < 0,
		AnomalyScore: score,
		Findings:     findings,
		DetectedAt:   time.Now(),
	}
}

type detectionFixture struct {
	repo     *repository.SQLRepository
	detector *scriptedDetector
	queue    *queue
	pusher   *recordingPusher
	svc      *DetectionService
}

func newDetectionFixture(t *testing.T, predictor alerting.Predictor) *detectionFixture {
	t.Helper()
	repo := newTestRepo(t)
	f := &detectionFixture{
		repo:     repo,
		detector: &scriptedDetector{results: map[string]*anomaly.Result{}, errs: map[string]error{}},
		queue:    &queue{},
		pusher:   &recordingPusher{},
	}
	engine := alerting.NewEngine(repo, nil, alerting.EngineOptions{}, nil)
	f.svc = NewDetectionService(repo, f.detector, engine, predictor, f.queue, f.pusher, nil, DetectionOptions{}, nil)
	return f
}

func TestDetectCustomer_SevereAnomalyEscalates(t *testing.T) {
	f := newDetectionFixture(t, fixedPredictor{p: models.Prediction{ChurnProbability: 0.65, SegmentID: 2}})
	ctx := context.Background()
	c := newCustomer(t, f.repo, "severe")

	f.detector.results[c.ID] = anomalyFor(c, -0.8, models.Finding{
		Type:        models.AlertPurchaseDrop,
		Severity:    models.SeverityHigh,
		Description: "Purchase frequency dropped by 100.0%",
	})

	res := f.svc.DetectCustomer(ctx, c.ID)
	require.True(t, res.IsOk())

	alerts, err := f.repo.ListAlerts(ctx, models.AlertFilter{CustomerID: c.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertPurchaseDrop, alerts[0].AlertType)

	msgs := f.pusher.byGroup(models.GroupAlerts)
	require.Len(t, msgs, 1)
	data := msgs[0].Data.(map[string]interface{})
	assert.Equal(t, models.SeverityHigh, data["severity"])
	assert.Equal(t, "severe", data["customer_name"])

	assert.Equal(t, []string{TaskPredictChurn}, f.queue.names())
	results := f.queue.runAll(ctx)
	require.Len(t, results, 1)
	require.True(t, results[0].IsOk())

	entry, err := f.repo.GetActiveWatchlistEntry(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, entry.RiskLevel)
	assert.Equal(t, -0.8, entry.AnomalyContext["anomaly_score"])

	stored, err := f.repo.GetAlert(ctx, alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.TriggeredChurnPrediction)

	got, err := f.repo.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.65, got.CurrentChurnProbability)

	watch := f.pusher.byGroup(models.GroupWatchlist)
	require.Len(t, watch, 1)
	assert.Equal(t, "added", watch[0].Data.(map[string]interface{})["action"])
}

func TestDetectCustomer_ModerateAnomaly(t *testing.T) {
	f := newDetectionFixture(t, fixedPredictor{})
	ctx := context.Background()
	c := newCustomer(t, f.repo, "moderate")
	f.detector.results[c.ID] = anomalyFor(c, -0.55)

	res := f.svc.DetectCustomer(ctx, c.ID)
	require.True(t, res.IsOk())
	assert.Empty(t, f.queue.names(), "no escalation above -0.7")

	msgs := f.pusher.byGroup(models.GroupAlerts)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SeverityMedium, msgs[0].Data.(map[string]interface{})["severity"])

	alerts, err := f.repo.ListAlerts(ctx, models.AlertFilter{CustomerID: c.ID})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertEngagementDrop, alerts[0].AlertType)
}

func TestDetectCustomer_ResultClassification(t *testing.T) {
	f := newDetectionFixture(t, fixedPredictor{})
	ctx := context.Background()
	normal := newCustomer(t, f.repo, "normal")
	f.detector.results[normal.ID] = anomalyFor(normal, 0.1)
	f.detector.errs["gone"] = repository.ErrNotFound
	f.detector.errs["flaky"] = anomaly.ErrScaling

	assert.True(t, f.svc.DetectCustomer(ctx, normal.ID).IsOk())
	assert.True(t, f.svc.DetectCustomer(ctx, "unscored").IsOk(), "unavailable detection is not an error")
	assert.True(t, f.svc.DetectCustomer(ctx, "gone").IsFatal())
	assert.True(t, f.svc.DetectCustomer(ctx, "flaky").IsRetryable())
	assert.Empty(t, f.pusher.byGroup(models.GroupAlerts))
}

func TestPredictChurn(t *testing.T) {
	ctx := context.Background()

	t.Run("below admission threshold", func(t *testing.T) {
		f := newDetectionFixture(t, fixedPredictor{p: models.Prediction{ChurnProbability: 0.2, SegmentID: 3}})
		c := newCustomer(t, f.repo, "low")
		res := f.svc.PredictChurn(ctx, c.ID, nil, "")
		require.True(t, res.IsOk())
		_, err := f.repo.GetActiveWatchlistEntry(ctx, c.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.Empty(t, f.pusher.byGroup(models.GroupWatchlist))
	})

	t.Run("classifier failure is retryable", func(t *testing.T) {
		f := newDetectionFixture(t, fixedPredictor{err: errors.New("connection refused")})
		c := newCustomer(t, f.repo, "down")
		assert.True(t, f.svc.PredictChurn(ctx, c.ID, nil, "").IsRetryable())
	})

	t.Run("unknown customer is fatal", func(t *testing.T) {
		f := newDetectionFixture(t, fixedPredictor{})
		assert.True(t, f.svc.PredictChurn(ctx, "missing", nil, "").IsFatal())
	})

	t.Run("refresh keeps a single entry", func(t *testing.T) {
		f := newDetectionFixture(t, fixedPredictor{p: models.Prediction{ChurnProbability: 0.4, SegmentID: 2}})
		c := newCustomer(t, f.repo, "twice")
		require.True(t, f.svc.PredictChurn(ctx, c.ID, nil, "").IsOk())
		require.True(t, f.svc.PredictChurn(ctx, c.ID, nil, "").IsOk())

		entries, err := f.repo.ListWatchlist(ctx, true, 10, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		watch := f.pusher.byGroup(models.GroupWatchlist)
		require.Len(t, watch, 2)
		assert.Equal(t, "updated", watch[1].Data.(map[string]interface{})["action"])
	})

	t.Run("removal publishes", func(t *testing.T) {
		f := newDetectionFixture(t, fixedPredictor{p: models.Prediction{ChurnProbability: 0.5, SegmentID: 2}})
		c := newCustomer(t, f.repo, "removed")
		require.True(t, f.svc.PredictChurn(ctx, c.ID, nil, "").IsOk())

		require.NoError(t, f.svc.RemoveFromWatchlist(ctx, c.ID))
		_, err := f.repo.GetActiveWatchlistEntry(ctx, c.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)

		watch := f.pusher.byGroup(models.GroupWatchlist)
		require.Len(t, watch, 2)
		assert.Equal(t, "removed", watch[1].Data.(map[string]interface{})["action"])

		assert.ErrorIs(t, f.svc.RemoveFromWatchlist(ctx, c.ID), repository.ErrNotFound)
		assert.Len(t, f.pusher.byGroup(models.GroupWatchlist), 2)
	})
}

func TestRunBatch(t *testing.T) {
	f := newDetectionFixture(t, fixedPredictor{})
	ctx := context.Background()
	now := time.Now()

	severe := newCustomer(t, f.repo, "batch-severe")
	mild := newCustomer(t, f.repo, "batch-mild")
	broken := newCustomer(t, f.repo, "batch-broken")
	idle := newCustomer(t, f.repo, "batch-idle")
	for _, c := range []*models.Customer{severe, mild, broken} {
		require.NoError(t, f.repo.TouchCustomerActivity(ctx, c.ID, now.Add(-time.Hour)))
	}
	require.NoError(t, f.repo.TouchCustomerActivity(ctx, idle.ID, now.Add(-48*time.Hour)))

	f.detector.results[severe.ID] = anomalyFor(severe, -0.65)
	f.detector.results[mild.ID] = anomalyFor(mild, -0.52)
	f.detector.results[idle.ID] = anomalyFor(idle, -0.9)
	f.detector.errs[broken.ID] = errors.New("store timeout")

	sum, err := f.svc.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchSummary{ProcessedCount: 2, AnomaliesFound: 2}, sum)

	msgs := f.pusher.byGroup(models.GroupAlerts)
	require.Len(t, msgs, 1, "only scores below -0.6 are pushed")
	assert.Equal(t, severe.ID, msgs[0].Data.(map[string]interface{})["customer_id"])

	alerts, err := f.repo.ListAlerts(ctx, models.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestEventService(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := newCustomer(t, repo, "events")
	detect := &recordingDetect{}
	q := &queue{}
	svc := NewEventService(repo, detect, q, RetryPolicy{}, nil)

	e, err := svc.ProcessEvent(ctx, c.ID, "page_view", nil)
	require.NoError(t, err)
	assert.False(t, e.Processed)
	assert.Empty(t, detect.ids)

	e, err = svc.ProcessEvent(ctx, c.ID, "purchase", models.Metadata{"amount": 42.0})
	require.NoError(t, err)
	assert.True(t, e.Processed)
	assert.Equal(t, []string{c.ID}, detect.ids)

	got, err := repo.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastActivity)

	_, err = svc.ProcessEvent(ctx, c.ID, "teleport", nil)
	assert.ErrorIs(t, err, models.ErrUnknownEventType)

	_, err = svc.ProcessEvent(ctx, "missing", "login", nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, svc.EnqueueEvent(c.ID, "login", nil))
	assert.ErrorIs(t, svc.EnqueueEvent(c.ID, "teleport", nil), models.ErrUnknownEventType)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, TaskProcessEvent, q.tasks[0].Name)
	assert.Equal(t, 3, q.tasks[0].MaxRetries)
	assert.Equal(t, 60*time.Second, q.tasks[0].Backoff)
	assert.True(t, q.runAll(ctx)[0].IsOk())

	events, err := repo.ListEvents(ctx, c.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

type recordingDetect struct {
	ids []string
}

func (r *recordingDetect) SubmitDetect(id string) error {
	r.ids = append(r.ids, id)
	return nil
}

// flakyEventStore commits the insert but reports a failure once, and can fail
// the activity update.
type flakyEventStore struct {
	*repository.SQLRepository
	failAppendOnce bool
	failTouch      bool
}

func (s *flakyEventStore) AppendEvent(ctx context.Context, e *models.Event) error {
	if err := s.SQLRepository.AppendEvent(ctx, e); err != nil {
		return err
	}
	if s.failAppendOnce {
		s.failAppendOnce = false
		return errors.New("connection reset after commit")
	}
	return nil
}

func (s *flakyEventStore) TouchCustomerActivity(ctx context.Context, id string, at time.Time) error {
	if s.failTouch {
		return errors.New("transient db error")
	}
	return s.SQLRepository.TouchCustomerActivity(ctx, id, at)
}

func TestEventService_RetriedTaskStoresEventOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := newCustomer(t, repo, "retry")
	store := &flakyEventStore{SQLRepository: repo, failAppendOnce: true}
	q := &queue{}
	svc := NewEventService(store, nil, q, RetryPolicy{}, nil)

	require.NoError(t, svc.EnqueueEvent(c.ID, "purchase", models.Metadata{"amount": 12.0}))
	require.Len(t, q.tasks, 1)
	task := q.tasks[0]

	first := task.Run(ctx)
	assert.True(t, first.IsRetryable())
	second := task.Run(ctx)
	require.True(t, second.IsOk())

	events, err := repo.ListEvents(ctx, c.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventService_ActivityUpdateFailureKeepsEvent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := newCustomer(t, repo, "touch")
	store := &flakyEventStore{SQLRepository: repo, failTouch: true}
	svc := NewEventService(store, nil, &queue{}, RetryPolicy{}, nil)

	e, err := svc.ProcessEvent(ctx, c.ID, "login", nil)
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)

	events, err := repo.ListEvents(ctx, c.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestBaselineService_RefreshAll(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	a := newCustomer(t, repo, "a")
	b := newCustomer(t, repo, "b")

	detector := &scriptedDetector{errs: map[string]error{b.ID: errors.New("boom")}}
	svc := NewBaselineService(repo, detector, nil)

	var progress []int
	sum, err := svc.RefreshAll(ctx, func(done, total int) {
		progress = append(progress, done)
		assert.Equal(t, 2, total)
	})
	require.NoError(t, err)
	assert.Equal(t, RefreshSummary{Total: 2, Refreshed: 1, Failed: 1}, sum)
	assert.Equal(t, []int{1, 2}, progress)
	assert.Equal(t, []string{a.ID}, detector.refreshed)
}

func TestBaselineService_RefreshAllCancelled(t *testing.T) {
	repo := newTestRepo(t)
	newCustomer(t, repo, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewBaselineService(repo, &scriptedDetector{}, nil)
	_, err := svc.RefreshAll(ctx, nil)
	require.Error(t, err)
}

func TestCleanupService(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := newCustomer(t, repo, "cleanup")
	d := newCustomer(t, repo, "cleanup-recent")
	now := time.Now()

	old := &models.AnomalyAlert{CustomerID: c.ID, AlertType: models.AlertLoginDrop, Severity: models.SeverityHigh, DetectedAt: now.Add(-31 * 24 * time.Hour)}
	_, err := repo.CreateAlertUnlessRecent(ctx, old, old.DetectedAt)
	require.NoError(t, err)
	fresh := &models.AnomalyAlert{CustomerID: c.ID, AlertType: models.AlertLoginDrop, Severity: models.SeverityHigh, DetectedAt: now.Add(-time.Hour)}
	_, err = repo.CreateAlertUnlessRecent(ctx, fresh, fresh.DetectedAt)
	require.NoError(t, err)

	for _, cust := range []*models.Customer{c, d} {
		_, err = repo.UpsertWatchlistEntry(ctx, &models.WatchlistEntry{CustomerID: cust.ID, ChurnProbability: 0.5, RiskLevel: models.RiskMedium})
		require.NoError(t, err)
	}
	require.NoError(t, repo.DeactivateWatchlistEntry(ctx, c.ID, now.Add(-8*24*time.Hour)))
	require.NoError(t, repo.DeactivateWatchlistEntry(ctx, d.ID, now.Add(-time.Hour)))

	sum, err := NewCleanupService(repo, 0, 0, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupSummary{AlertsDeleted: 1, WatchlistDeleted: 1}, sum)

	alerts, err := repo.ListAlerts(ctx, models.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, fresh.ID, alerts[0].ID)
}

func TestScheduler(t *testing.T) {
	s := NewScheduler(nil)

	var mu sync.Mutex
	runs := 0
	require.NoError(t, s.Register(Job{Name: "cleanup", Schedule: "30 2 * * *", Run: func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return nil
	}}))
	require.NoError(t, s.Register(Job{Name: "disabled", Schedule: ""}))
	assert.Error(t, s.Register(Job{Name: "cleanup", Schedule: "@hourly", Run: func(context.Context) error { return nil }}))
	assert.Error(t, s.Register(Job{Name: "bad", Schedule: "not a cron", Run: func(context.Context) error { return nil }}))
	assert.Equal(t, []string{"cleanup"}, s.Jobs())

	s.Start()
	defer s.Stop()

	require.NoError(t, s.Trigger("cleanup"))
	assert.Error(t, s.Trigger("disabled"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
}

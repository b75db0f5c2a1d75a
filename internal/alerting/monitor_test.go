package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/repository"
)

type stubPredictor struct {
	byCustomer map[string]models.Prediction
	fail       map[string]bool
}

func (s *stubPredictor) Predict(_ context.Context, c *models.Customer) (models.Prediction, error) {
	if s.fail[c.ID] {
		return models.Prediction{}, errors.New("classifier unavailable")
	}
	return s.byCustomer[c.ID], nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.NotifyEvent
}

func (n *recordingNotifier) Notify(ev models.NotifyEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

// customerAt creates a customer whose current churn probability is prob.
func customerAt(t *testing.T, repo *repository.SQLRepository, name string, prob float64) *models.Customer {
	t.Helper()
	c := newCustomer(t, repo, name)
	require.NoError(t, repo.ApplyPrediction(context.Background(), c.ID, models.Prediction{ChurnProbability: prob, SegmentID: 2}, time.Now()))
	return c
}

func TestMonitorRun_ThresholdBreachThenCooldown(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := customerAt(t, repo, "dana", 0.25)

	predictor := &stubPredictor{byCustomer: map[string]models.Prediction{
		c.ID: {ChurnProbability: 0.40, ValueScore: 60, SegmentID: 2},
	}}
	notifier := &recordingNotifier{}
	mon := NewMonitor(repo, predictor, notifier, RuleDefaults{Recipients: "ops@example.com"}, nil)

	sum, err := mon.Run(ctx, MonitorOptions{})
	require.NoError(t, err)
	assert.Equal(t, MonitorSummary{RulesProcessed: 1, CustomersChecked: 1, AlertsCreated: 2}, sum)

	rules, err := repo.ListRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, DefaultRuleName, rules[0].Name)

	got, err := repo.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.PreviousChurnProbability)
	assert.Equal(t, 0.40, got.CurrentChurnProbability)
	assert.Equal(t, 60.0, got.CurrentValueScore)

	alerts, err := repo.ListChurnAlerts(ctx, models.ChurnAlertActive, c.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.True(t, a.EmailSent)
		assert.NotNil(t, a.NotificationSentAt)
	}

	require.Equal(t, 2, notifier.count())
	ev := notifier.events[0]
	assert.Equal(t, models.NotifyChurnAlert, ev.EventType)
	assert.Equal(t, []string{"ops@example.com"}, ev.Recipients)
	assert.Contains(t, ev.Title, "Churn Alert: ")

	// Within the rule cooldown the customer is not re-checked.
	predictor.byCustomer[c.ID] = models.Prediction{ChurnProbability: 0.70, SegmentID: 2}
	sum, err = mon.Run(ctx, MonitorOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.CustomersChecked)
	assert.Equal(t, 0, sum.AlertsCreated)

	rules, err = repo.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, rules, 1, "default rule is created once")
}

func TestMonitorRun_ForceIgnoresCooldown(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := customerAt(t, repo, "force", 0.25)

	predictor := &stubPredictor{byCustomer: map[string]models.Prediction{
		c.ID: {ChurnProbability: 0.40, SegmentID: 2},
	}}
	mon := NewMonitor(repo, predictor, nil, RuleDefaults{}, nil)

	_, err := mon.Run(ctx, MonitorOptions{})
	require.NoError(t, err)

	sum, err := mon.Run(ctx, MonitorOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CustomersChecked)
	assert.Equal(t, 0, sum.AlertsCreated, "an unchanged probability raises nothing")
}

func TestMonitorRun_DryRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := customerAt(t, repo, "dry", 0.25)

	predictor := &stubPredictor{byCustomer: map[string]models.Prediction{
		c.ID: {ChurnProbability: 0.40, SegmentID: 1, ValueScore: 90},
	}}
	notifier := &recordingNotifier{}
	mon := NewMonitor(repo, predictor, notifier, RuleDefaults{Recipients: "ops@example.com"}, nil)

	sum, err := mon.Run(ctx, MonitorOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CustomersChecked)
	assert.Equal(t, 3, sum.AlertsCreated)

	rules, err := repo.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, rules)

	alerts, err := repo.ListChurnAlerts(ctx, "", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	got, err := repo.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.CurrentChurnProbability)
	assert.Zero(t, notifier.count())
}

func TestMonitorRun_SkipsFailingCustomers(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	bad := customerAt(t, repo, "bad", 0.1)
	good := customerAt(t, repo, "good", 0.1)

	predictor := &stubPredictor{
		byCustomer: map[string]models.Prediction{good.ID: {ChurnProbability: 0.5, SegmentID: 3}},
		fail:       map[string]bool{bad.ID: true},
	}
	mon := NewMonitor(repo, predictor, nil, RuleDefaults{}, nil)

	sum, err := mon.Run(ctx, MonitorOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CustomersChecked)
	assert.Equal(t, 2, sum.AlertsCreated)

	got, err := repo.GetCustomer(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.1, got.CurrentChurnProbability)
}

func TestMonitorRun_UsesStoredRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := customerAt(t, repo, "strict", 0.25)

	strict := &models.AlertRule{
		Name:                    "strict",
		Active:                  true,
		ChurnThreshold:          0.9,
		SuddenIncreaseThreshold: 0.5,
		CooldownHours:           1,
	}
	require.NoError(t, repo.CreateRule(ctx, strict))

	predictor := &stubPredictor{byCustomer: map[string]models.Prediction{c.ID: {ChurnProbability: 0.4}}}
	mon := NewMonitor(repo, predictor, nil, RuleDefaults{}, nil)

	sum, err := mon.Run(ctx, MonitorOptions{})
	require.NoError(t, err)
	assert.Equal(t, MonitorSummary{RulesProcessed: 1, CustomersChecked: 1, AlertsCreated: 0}, sum)
}

func TestTransitionChurnAlert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := newCustomer(t, repo, "ack")

	a := &models.ChurnAlert{CustomerID: c.ID, AlertType: models.ChurnThresholdBreach, Priority: models.PriorityHigh, Title: "t"}
	require.NoError(t, repo.CreateChurnAlert(ctx, a))

	mon := NewMonitor(repo, nil, nil, RuleDefaults{}, nil)
	acked, err := mon.TransitionChurnAlert(ctx, a.ID, models.ChurnAlertAcknowledged)
	require.NoError(t, err)
	assert.NotNil(t, acked.AcknowledgedAt)

	_, err = mon.TransitionChurnAlert(ctx, a.ID, models.ChurnAlertActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done, err := mon.TransitionChurnAlert(ctx, a.ID, models.ChurnAlertDismissed)
	require.NoError(t, err)
	assert.Equal(t, models.ChurnAlertDismissed, done.Status)

	_, err = mon.TransitionChurnAlert(ctx, "missing", models.ChurnAlertResolved)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

// Package alerting turns detection results into persisted anomaly alerts and
// watchlist entries, and evaluates churn alert rules against fresh churn
// predictions.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/analytics/anomaly"
	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/pkg/cooldown"
	"github.com/kubilitics/churnwatch/internal/pkg/metrics"
)

// ErrInvalidTransition is returned when an alert cannot move to the requested status.
var ErrInvalidTransition = errors.New("invalid status transition")

// EngineStore is the persistence the engine needs.
type EngineStore interface {
	CreateAlertUnlessRecent(ctx context.Context, a *models.AnomalyAlert, since time.Time) (bool, error)
	GetAlert(ctx context.Context, id string) (*models.AnomalyAlert, error)
	UpdateAlertStatus(ctx context.Context, a *models.AnomalyAlert, from models.AlertStatus) error
	MarkAlertEscalated(ctx context.Context, id string, probability float64) error
	UpsertWatchlistEntry(ctx context.Context, e *models.WatchlistEntry) (bool, error)
	DeactivateWatchlistEntry(ctx context.Context, customerID string, at time.Time) error
}

// EngineOptions configures an Engine. Zero values take the defaults.
type EngineOptions struct {
	Cooldown           time.Duration // default 6h
	AlertThreshold     float64       // default -0.5
	AdmissionThreshold float64       // default 0.32
	HighRiskThreshold  float64       // default 0.6
}

func (o *EngineOptions) withDefaults() {
	if o.Cooldown <= 0 {
		o.Cooldown = 6 * time.Hour
	}
	if o.AlertThreshold == 0 {
		o.AlertThreshold = -0.5
	}
	if o.AdmissionThreshold <= 0 {
		o.AdmissionThreshold = 0.32
	}
	if o.HighRiskThreshold <= 0 {
		o.HighRiskThreshold = 0.6
	}
}

// Engine records anomaly alerts and maintains the watchlist.
type Engine struct {
	store  EngineStore
	guard  cooldown.Guard
	opts   EngineOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an Engine. A nil guard uses an in-process guard.
func NewEngine(store EngineStore, guard cooldown.Guard, opts EngineOptions, logger *zap.Logger) *Engine {
	opts.withDefaults()
	if guard == nil {
		guard = cooldown.NewMemoryGuard()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		guard:  guard,
		opts:   opts,
		logger: logger.Named("alerting"),
		now:    time.Now,
	}
}

// findingPriority breaks severity ties; earlier types win.
var findingPriority = []models.AlertType{
	models.AlertPurchaseDrop,
	models.AlertLoginDrop,
	models.AlertProblemSpike,
	models.AlertPaymentIssues,
	models.AlertSupportSpike,
	models.AlertCartAbandonSpike,
	models.AlertSessionAnomaly,
	models.AlertEngagementDrop,
}

func priorityIndex(t models.AlertType) int {
	for i, p := range findingPriority {
		if p == t {
			return i
		}
	}
	return len(findingPriority)
}

// PrimaryFinding returns the most severe finding, or nil when there are none.
func PrimaryFinding(findings []models.Finding) *models.Finding {
	var best *models.Finding
	for i := range findings {
		f := &findings[i]
		if best == nil {
			best = f
			continue
		}
		fr, br := f.Severity.Rank(), best.Severity.Rank()
		if fr > br || (fr == br && priorityIndex(f.Type) < priorityIndex(best.Type)) {
			best = f
		}
	}
	return best
}

// RiskLevelFor maps a churn probability to a watchlist risk level.
func (e *Engine) RiskLevelFor(probability float64) models.RiskLevel {
	if probability >= e.opts.HighRiskThreshold {
		return models.RiskHigh
	}
	return models.RiskMedium
}

// RecordAnomaly persists an alert for an anomalous result. It returns nil
// when the result does not qualify or an alert of the same type was raised
// for the customer within the cooldown.
func (e *Engine) RecordAnomaly(ctx context.Context, res *anomaly.Result) (*models.AnomalyAlert, error) {
	if res == nil || !res.IsAnomaly || res.AnomalyScore >= e.opts.AlertThreshold {
		return nil, nil
	}

	alert := &models.AnomalyAlert{
		CustomerID:   res.CustomerID,
		AnomalyScore: res.AnomalyScore,
		Status:       models.AlertStatusNew,
		DetectedAt:   e.now(),
	}
	if f := PrimaryFinding(res.Findings); f != nil {
		alert.AlertType = f.Type
		alert.Severity = f.Severity
		alert.Description = f.Description
		cur, base := f.CurrentValue, f.BaselineValue
		alert.CurrentValue, alert.BaselineValue = &cur, &base
	} else {
		alert.AlertType = models.AlertEngagementDrop
		alert.Severity = models.SeverityMedium
		alert.Description = fmt.Sprintf("General behavioral anomaly detected (score: %.3f)", res.AnomalyScore)
	}

	log := e.logger.With(
		zap.String("customer_id", alert.CustomerID),
		zap.String("alert_type", string(alert.AlertType)),
	)

	key := res.CustomerID + ":" + string(alert.AlertType)
	held, err := e.guard.Acquire(ctx, key, e.opts.Cooldown)
	if err != nil {
		// The store check below still enforces the cooldown.
		log.Warn("cooldown guard unavailable", zap.Error(err))
		held = true
	}
	if !held {
		metrics.AlertsSuppressedTotal.Inc()
		log.Debug("alert suppressed by cooldown guard")
		return nil, nil
	}

	created, err := e.store.CreateAlertUnlessRecent(ctx, alert, alert.DetectedAt.Add(-e.opts.Cooldown))
	if err != nil {
		e.release(ctx, key)
		return nil, fmt.Errorf("record anomaly alert: %w", err)
	}
	if !created {
		e.release(ctx, key)
		metrics.AlertsSuppressedTotal.Inc()
		log.Debug("alert suppressed by recent alert")
		return nil, nil
	}

	metrics.AlertsCreatedTotal.WithLabelValues(string(alert.AlertType), string(alert.Severity)).Inc()
	log.Info("anomaly alert created",
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("anomaly_score", alert.AnomalyScore),
	)
	return alert, nil
}

func (e *Engine) release(ctx context.Context, key string) {
	if err := e.guard.Release(ctx, key); err != nil {
		e.logger.Warn("failed to release cooldown key", zap.String("key", key), zap.Error(err))
	}
}

// TransitionAlert moves an alert through its lifecycle, stamping the
// acknowledgement and resolution times.
func (e *Engine) TransitionAlert(ctx context.Context, id string, status models.AlertStatus) (*models.AnomalyAlert, error) {
	alert, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	from := alert.Status
	if !from.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := e.now().UTC()
	alert.Status = status
	switch status {
	case models.AlertStatusAcknowledged:
		alert.AcknowledgedAt = &now
	case models.AlertStatusResolved, models.AlertStatusFalsePositive:
		alert.ResolvedAt = &now
	}
	if err := e.store.UpdateAlertStatus(ctx, alert, from); err != nil {
		return nil, err
	}
	e.logger.Info("anomaly alert status changed",
		zap.String("alert_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
	return alert, nil
}

// AdmitToWatchlist creates or refreshes the customer's watchlist entry when
// probability reaches the admission threshold. Below it, nothing is stored
// and the returned entry is nil.
func (e *Engine) AdmitToWatchlist(ctx context.Context, customerID string, probability float64, anomalyContext models.JSONMap) (*models.WatchlistEntry, bool, error) {
	if probability < e.opts.AdmissionThreshold {
		return nil, false, nil
	}
	entry := &models.WatchlistEntry{
		CustomerID:       customerID,
		ChurnProbability: probability,
		RiskLevel:        e.RiskLevelFor(probability),
		AnomalyContext:   anomalyContext,
		Active:           true,
	}
	created, err := e.store.UpsertWatchlistEntry(ctx, entry)
	if err != nil {
		return nil, false, fmt.Errorf("admit to watchlist: %w", err)
	}
	metrics.WatchlistAdmissionsTotal.WithLabelValues(string(entry.RiskLevel)).Inc()
	e.logger.Info("customer on watchlist",
		zap.String("customer_id", customerID),
		zap.Float64("churn_probability", probability),
		zap.String("risk_level", string(entry.RiskLevel)),
		zap.Bool("created", created),
	)
	return entry, created, nil
}

// RemoveFromWatchlist deactivates the customer's active entry.
func (e *Engine) RemoveFromWatchlist(ctx context.Context, customerID string) error {
	if err := e.store.DeactivateWatchlistEntry(ctx, customerID, e.now()); err != nil {
		return err
	}
	e.logger.Info("customer removed from watchlist", zap.String("customer_id", customerID))
	return nil
}

// MarkEscalated records the churn re-prediction triggered by an alert.
func (e *Engine) MarkEscalated(ctx context.Context, alertID string, probability float64) error {
	if err := e.store.MarkAlertEscalated(ctx, alertID, probability); err != nil {
		return fmt.Errorf("mark alert escalated: %w", err)
	}
	return nil
}

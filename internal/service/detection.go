package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/alerting"
	"github.com/kubilitics/churnwatch/internal/analytics/anomaly"
	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/pkg/tracing"
	"github.com/kubilitics/churnwatch/internal/repository"
	"github.com/kubilitics/churnwatch/internal/tasks"
)

// Task names.
const (
	TaskProcessEvent  = "process_event"
	TaskDetectAnomaly = "detect_anomaly"
	TaskPredictChurn  = "predict_churn"
)

// Detector scores customers against the fitted outlier model.
type Detector interface {
	DetectAnomaly(ctx context.Context, customerID string) (*anomaly.Result, error)
	BuildBaselineModel(ctx context.Context, sampleSize int) (bool, error)
	RefreshBaseline(ctx context.Context, customerID string) (*models.BehaviorBaseline, error)
	Status() anomaly.ModelStatus
}

// Submitter queues background tasks.
type Submitter interface {
	Submit(t tasks.Task) error
}

// Pusher broadcasts real-time messages to a WebSocket group.
type Pusher interface {
	Broadcast(group string, msg models.WebSocketMessage)
}

// DetectionStore is the persistence the detection service needs.
type DetectionStore interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	ListActiveCustomerIDs(ctx context.Context, since time.Time) ([]string, error)
	ApplyPrediction(ctx context.Context, id string, p models.Prediction, at time.Time) error
}

// RetryPolicy bounds the retries of one task kind.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DetectionOptions configures a DetectionService. Zero values take the defaults.
type DetectionOptions struct {
	EscalationThreshold float64       // default -0.7
	NotifyThreshold     float64       // default -0.6, batch sweeps only
	ActivityWindow      time.Duration // default 24h
	Detect              RetryPolicy   // default 2 / 120s
	Predict             RetryPolicy   // default 2 / 120s
}

func (o *DetectionOptions) withDefaults() {
	if o.EscalationThreshold == 0 {
		o.EscalationThreshold = -0.7
	}
	if o.NotifyThreshold == 0 {
		o.NotifyThreshold = -0.6
	}
	if o.ActivityWindow <= 0 {
		o.ActivityWindow = 24 * time.Hour
	}
	if o.Detect.MaxRetries <= 0 {
		o.Detect.MaxRetries = 2
	}
	if o.Detect.Backoff <= 0 {
		o.Detect.Backoff = 120 * time.Second
	}
	if o.Predict.MaxRetries <= 0 {
		o.Predict.MaxRetries = 2
	}
	if o.Predict.Backoff <= 0 {
		o.Predict.Backoff = 120 * time.Second
	}
}

// BatchSummary reports a batch detection sweep.
type BatchSummary struct {
	ProcessedCount int `json:"processed_count"`
	AnomaliesFound int `json:"anomalies_found"`
}

// DetectionService runs anomaly detection, records alerts and escalates
// severe anomalies to a churn re-prediction.
type DetectionService struct {
	store     DetectionStore
	detector  Detector
	engine    *alerting.Engine
	predictor alerting.Predictor
	tasks     Submitter
	pusher    Pusher
	notifier  alerting.Notifier
	opts      DetectionOptions
	logger    *zap.Logger
	now       func() time.Time
}

// NewDetectionService wires a DetectionService. pusher and notifier may be nil.
func NewDetectionService(
	store DetectionStore,
	detector Detector,
	engine *alerting.Engine,
	predictor alerting.Predictor,
	submitter Submitter,
	pusher Pusher,
	notifier alerting.Notifier,
	opts DetectionOptions,
	logger *zap.Logger,
) *DetectionService {
	opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectionService{
		store:     store,
		detector:  detector,
		engine:    engine,
		predictor: predictor,
		tasks:     submitter,
		pusher:    pusher,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.Named("detection"),
		now:       time.Now,
	}
}

// classify maps an error to a task result: unknown customers and event types
// cannot succeed on retry, everything else may.
func classify(err error) tasks.Result {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, models.ErrUnknownEventType) {
		return tasks.Fatal(err)
	}
	return tasks.Retryable(err)
}

// SubmitDetect queues a detect_anomaly task for customerID.
func (s *DetectionService) SubmitDetect(customerID string) error {
	return s.tasks.Submit(tasks.Task{
		Name:       TaskDetectAnomaly,
		MaxRetries: s.opts.Detect.MaxRetries,
		Backoff:    s.opts.Detect.Backoff,
		Run: func(ctx context.Context) tasks.Result {
			return s.DetectCustomer(ctx, customerID)
		},
	})
}

// SubmitPredict queues a predict_churn task. alertID, when set, is marked as
// escalated with the resulting probability.
func (s *DetectionService) SubmitPredict(customerID string, anomalyContext models.JSONMap, alertID string) error {
	return s.tasks.Submit(tasks.Task{
		Name:       TaskPredictChurn,
		MaxRetries: s.opts.Predict.MaxRetries,
		Backoff:    s.opts.Predict.Backoff,
		Run: func(ctx context.Context) tasks.Result {
			return s.PredictChurn(ctx, customerID, anomalyContext, alertID)
		},
	})
}

// DetectCustomer scores one customer, records an alert for anomalous results,
// pushes an anomaly notification and escalates severe anomalies.
func (s *DetectionService) DetectCustomer(ctx context.Context, customerID string) tasks.Result {
	res, err := s.detector.DetectAnomaly(ctx, customerID)
	if err != nil {
		s.logger.Error("error in anomaly detection", zap.String("customer_id", customerID), zap.Error(err))
		return classify(err)
	}
	if res == nil {
		s.logger.Info("anomaly detection unavailable", zap.String("customer_id", customerID))
		return tasks.Ok(nil)
	}
	if !res.IsAnomaly {
		return tasks.Ok(res)
	}

	s.logger.Info("anomaly detected",
		zap.String("customer_id", customerID),
		zap.Float64("anomaly_score", res.AnomalyScore),
	)
	alert, err := s.engine.RecordAnomaly(ctx, res)
	if err != nil {
		return tasks.Retryable(err)
	}

	if res.AnomalyScore < s.opts.EscalationThreshold {
		alertID := ""
		if alert != nil {
			alertID = alert.ID
		}
		anomalyCtx := models.AnomalyContextFrom(res.AnomalyScore, res.Findings, res.Features.Map())
		if err := s.SubmitPredict(customerID, anomalyCtx, alertID); err != nil {
			s.logger.Error("failed to submit churn prediction", zap.String("customer_id", customerID), zap.Error(err))
		}
	}

	s.publishAnomaly(res)
	return tasks.Ok(res)
}

// RunBatch scores every customer active within the activity window. Failures
// are logged and skipped.
func (s *DetectionService) RunBatch(ctx context.Context) (BatchSummary, error) {
	var sum BatchSummary
	since := s.now().Add(-s.opts.ActivityWindow)
	ids, err := s.store.ListActiveCustomerIDs(ctx, since)
	if err != nil {
		return sum, fmt.Errorf("list active customers: %w", err)
	}
	s.logger.Info("starting batch anomaly detection", zap.Int("customers", len(ids)))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := s.detector.DetectAnomaly(ctx, id)
		if err != nil {
			s.logger.Error("error processing customer", zap.String("customer_id", id), zap.Error(err))
			continue
		}
		sum.ProcessedCount++
		if res == nil || !res.IsAnomaly {
			continue
		}
		sum.AnomaliesFound++
		if _, err := s.engine.RecordAnomaly(ctx, res); err != nil {
			s.logger.Error("failed to record anomaly alert", zap.String("customer_id", id), zap.Error(err))
		}
		if res.AnomalyScore < s.opts.NotifyThreshold {
			s.publishAnomaly(res)
		}
	}

	s.logger.Info("batch anomaly detection completed",
		zap.Int("processed", sum.ProcessedCount),
		zap.Int("anomalies", sum.AnomaliesFound),
	)
	return sum, nil
}

// PredictChurn re-scores a customer with the classifier, stores the
// prediction and admits the customer to the watchlist when the probability
// warrants it.
func (s *DetectionService) PredictChurn(ctx context.Context, customerID string, anomalyContext models.JSONMap, alertID string) tasks.Result {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "service.predict_churn", tracing.CustomerIDKey.String(customerID))
	defer span.End()

	customer, err := s.store.GetCustomer(ctx, customerID)
	if err != nil {
		return classify(err)
	}
	p, err := s.predictor.Predict(ctx, customer)
	if err != nil {
		s.logger.Error("error in churn prediction", zap.String("customer_id", customerID), zap.Error(err))
		tracing.Fail(span, err)
		return tasks.Retryable(err)
	}
	if err := s.store.ApplyPrediction(ctx, customerID, p, s.now()); err != nil {
		return classify(err)
	}
	s.logger.Info("churn prediction",
		zap.String("customer_id", customerID),
		zap.Float64("churn_probability", p.ChurnProbability),
	)

	if alertID != "" {
		if err := s.engine.MarkEscalated(ctx, alertID, p.ChurnProbability); err != nil {
			s.logger.Warn("failed to mark alert escalated", zap.String("alert_id", alertID), zap.Error(err))
		}
	}

	entry, created, err := s.engine.AdmitToWatchlist(ctx, customerID, p.ChurnProbability, anomalyContext)
	if err != nil {
		return tasks.Retryable(err)
	}
	if entry != nil {
		action := "updated"
		if created {
			action = "added"
		}
		s.publishWatchlist(customer, entry, action)
	}
	return tasks.Ok(p)
}

// AdmitToWatchlist admits a customer at the given probability outside the
// prediction flow and tells watchlist subscribers. A nil entry means the
// probability is below the admission threshold.
func (s *DetectionService) AdmitToWatchlist(ctx context.Context, customerID string, probability float64, anomalyContext models.JSONMap) (*models.WatchlistEntry, error) {
	customer, err := s.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	entry, created, err := s.engine.AdmitToWatchlist(ctx, customerID, probability, anomalyContext)
	if err != nil || entry == nil {
		return nil, err
	}
	action := "updated"
	if created {
		action = "added"
	}
	s.publishWatchlist(customer, entry, action)
	return entry, nil
}

// RemoveFromWatchlist deactivates the customer's watchlist entry and tells
// watchlist subscribers.
func (s *DetectionService) RemoveFromWatchlist(ctx context.Context, customerID string) error {
	if err := s.engine.RemoveFromWatchlist(ctx, customerID); err != nil {
		return err
	}
	s.PublishWatchlistRemoval(customerID)
	return nil
}

// PublishWatchlistRemoval tells watchlist subscribers a customer left the watchlist.
func (s *DetectionService) PublishWatchlistRemoval(customerID string) {
	if s.pusher == nil {
		return
	}
	s.pusher.Broadcast(models.GroupWatchlist, models.WebSocketMessage{
		Type:  models.NotifyWatchlistUpdate,
		Group: models.GroupWatchlist,
		Data: map[string]interface{}{
			"action":      "removed",
			"customer_id": customerID,
		},
		Timestamp: s.now().UTC(),
	})
}

func (s *DetectionService) severityFor(score float64) models.Severity {
	if score < s.opts.EscalationThreshold {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}

func (s *DetectionService) publishAnomaly(res *anomaly.Result) {
	severity := s.severityFor(res.AnomalyScore)
	name := ""
	if res.Customer != nil {
		name = res.Customer.Name
	}

	if s.pusher != nil {
		s.pusher.Broadcast(models.GroupAlerts, models.WebSocketMessage{
			Type:  models.NotifyAnomalyDetected,
			Group: models.GroupAlerts,
			Data: map[string]interface{}{
				"customer_id":     res.CustomerID,
				"customer_name":   name,
				"anomaly_score":   res.AnomalyScore,
				"anomaly_details": res.Findings,
				"severity":        severity,
			},
			Timestamp: s.now().UTC(),
		})
	}
	if s.notifier != nil {
		ev := models.NewNotifyEvent(models.NotifyAnomalyDetected, res.CustomerID)
		ev.Title = "Behavioral anomaly detected - " + name
		ev.Severity = string(severity)
		if f := alerting.PrimaryFinding(res.Findings); f != nil {
			ev.Message = f.Description
		} else {
			ev.Message = fmt.Sprintf("General behavioral anomaly detected (score: %.3f)", res.AnomalyScore)
		}
		s.notifier.Notify(ev)
	}
}

func (s *DetectionService) publishWatchlist(c *models.Customer, e *models.WatchlistEntry, action string) {
	if s.pusher != nil {
		s.pusher.Broadcast(models.GroupWatchlist, models.WebSocketMessage{
			Type:  models.NotifyWatchlistUpdate,
			Group: models.GroupWatchlist,
			Data: map[string]interface{}{
				"action":            action,
				"customer_id":       c.ID,
				"customer_name":     c.Name,
				"churn_probability": e.ChurnProbability,
				"risk_level":        e.RiskLevel,
			},
			Timestamp: s.now().UTC(),
		})
	}
	if s.notifier != nil {
		ev := models.NewNotifyEvent(models.NotifyWatchlistUpdate, c.ID)
		ev.Title = fmt.Sprintf("Customer %s %s to watchlist", c.Name, action)
		ev.Severity = string(e.RiskLevel)
		ev.Message = fmt.Sprintf("Churn probability %.3f", e.ChurnProbability)
		s.notifier.Notify(ev)
	}
}

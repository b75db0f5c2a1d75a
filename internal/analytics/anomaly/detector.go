package anomaly

// Package anomaly scores customer behavior against the population and against
// the customer's own history.
//
// Responsibilities:
//   - Own the fitted outlier model (scaler + isolation forest) as an explicit
//     context object shared by every caller
//   - Fit the model from a random sample of customers with enough history
//   - Score a customer's current 7-day feature vector
//   - Maintain the per-customer behavior baseline
//   - Explain a score with structured deviation findings
//
// Model lifecycle:
//   - The model starts unfitted. The first detection that finds it unfitted
//     builds it; builds are serialised and readers keep scoring against the
//     previous model until the new one is swapped in.
//   - BuildBaselineModel refits on demand (REST, CLI, scheduler).
//   - A build with no eligible customers leaves the current model untouched
//     and reports "not available" instead of failing.
//
// Scores:
//   - Decision scores follow the isolation forest convention: negative is an
//     outlier, more negative is more anomalous.
//
// Integration Points:
//   - repository: events, baselines, customer summary
//   - alerting: turns results into alerts and watchlist admissions
//   - service: detection tasks and batch sweeps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/analytics/features"
	"github.com/kubilitics/churnwatch/internal/analytics/ml"
	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/pkg/metrics"
	"github.com/kubilitics/churnwatch/internal/pkg/tracing"
)

// ErrScaling is returned when a feature vector cannot be scaled or scored by the fitted model.
var ErrScaling = errors.New("feature scaling failed")

// Store is the persistence the detector needs.
type Store interface {
	features.EventReader
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	SampleCustomersWithEvents(ctx context.Context, minEvents, limit int) ([]string, error)
	GetBaseline(ctx context.Context, customerID string) (*models.BehaviorBaseline, error)
	UpsertBaseline(ctx context.Context, b *models.BehaviorBaseline) error
	UpdateCustomerSummary(ctx context.Context, id string, avgDailyLogins, avgWeeklyOrders, avgSessionDuration float64) error
}

// Options configures a Detector. Zero values take the defaults.
type Options struct {
	NumTrees       int
	Contamination  float64
	Seed           int64
	SampleSize     int // customers sampled per fit, default 100
	MinEvents      int // history required to be sampled, default 50
	FeatureWindow  time.Duration
	TrainingWindow time.Duration
}

func (o *Options) withDefaults() {
	if o.SampleSize <= 0 {
		o.SampleSize = 100
	}
	if o.MinEvents <= 0 {
		o.MinEvents = 50
	}
	if o.FeatureWindow <= 0 {
		o.FeatureWindow = features.DefaultWindow
	}
	if o.TrainingWindow <= 0 {
		o.TrainingWindow = features.TrainingWindow
	}
}

// Result is the outcome of scoring one customer.
type Result struct {
	CustomerID   string                   `json:"customer_id"`
	Customer     *models.Customer         `json:"customer,omitempty"`
	IsAnomaly    bool                     `json:"is_anomaly"`
	AnomalyScore float64                  `json:"anomaly_score"`
	Features     features.Vector          `json:"features"`
	Baseline     *models.BehaviorBaseline `json:"baseline"`
	Findings     []models.Finding         `json:"findings"`
	DetectedAt   time.Time                `json:"detected_at"`
}

// ModelStatus describes the fitted model.
type ModelStatus struct {
	Fitted      bool       `json:"fitted"`
	FittedAt    *time.Time `json:"fitted_at,omitempty"`
	SampleCount int        `json:"sample_count"`
	Offset      float64    `json:"offset"`
}

// Detector owns the fitted model. One instance is shared by the whole process.
type Detector struct {
	store     Store
	extractor *features.Extractor
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	// buildMu serialises fits; mu guards the fitted state.
	buildMu     sync.Mutex
	mu          sync.RWMutex
	scaler      *ml.StandardScaler
	forest      *ml.IsolationForest
	fitted      bool
	fittedAt    time.Time
	sampleCount int
}

// NewDetector creates an unfitted detector.
func NewDetector(store Store, opts Options, logger *zap.Logger) *Detector {
	opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		store:     store,
		extractor: features.NewExtractor(store),
		opts:      opts,
		logger:    logger.Named("anomaly"),
		now:       time.Now,
	}
}

// Status reports the state of the fitted model.
func (d *Detector) Status() ModelStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := ModelStatus{Fitted: d.fitted, SampleCount: d.sampleCount}
	if d.fitted {
		at := d.fittedAt
		st.FittedAt = &at
		st.Offset = d.forest.Offset()
	}
	return st
}

func (d *Detector) model() (*ml.StandardScaler, *ml.IsolationForest, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scaler, d.forest, d.fitted
}

// BuildBaselineModel fits a new model from up to sampleSize customers with
// enough history. It returns false when there is no usable data; the error is
// reserved for store failures.
func (d *Detector) BuildBaselineModel(ctx context.Context, sampleSize int) (bool, error) {
	d.buildMu.Lock()
	defer d.buildMu.Unlock()
	return d.build(ctx, sampleSize)
}

// build fits and swaps the model. Caller holds buildMu.
func (d *Detector) build(ctx context.Context, sampleSize int) (bool, error) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "anomaly.build_model", attribute.Int("sample_size", sampleSize))
	defer span.End()

	if sampleSize <= 0 {
		sampleSize = d.opts.SampleSize
	}
	start := time.Now()
	d.logger.Info("building baseline anomaly model", zap.Int("sample_size", sampleSize))

	ids, err := d.store.SampleCustomersWithEvents(ctx, d.opts.MinEvents, sampleSize)
	if err != nil {
		tracing.Fail(span, err)
		return false, fmt.Errorf("sample customers: %w", err)
	}
	if len(ids) == 0 {
		d.logger.Warn("insufficient customer data for baseline model", zap.Int("min_events", d.opts.MinEvents))
		return false, nil
	}
	// The sample is random; row order is not.
	sort.Strings(ids)

	rows := make([][]float64, 0, len(ids))
	for _, id := range ids {
		vec, err := d.extractor.Extract(ctx, id, d.opts.TrainingWindow)
		if err != nil {
			tracing.Fail(span, err)
			return false, err
		}
		rows = append(rows, vec.Values())
	}
	if len(rows) == 0 {
		d.logger.Warn("no feature data extracted")
		return false, nil
	}

	scaler := &ml.StandardScaler{}
	scaled, err := scaler.FitTransform(rows)
	if err != nil {
		return false, fmt.Errorf("fit scaler: %w", err)
	}
	forest := ml.NewIsolationForest(ml.ForestOptions{
		NumTrees:      d.opts.NumTrees,
		Contamination: d.opts.Contamination,
		Seed:          d.opts.Seed,
	})
	if err := forest.Fit(scaled); err != nil {
		return false, fmt.Errorf("fit isolation forest: %w", err)
	}

	d.mu.Lock()
	d.scaler, d.forest = scaler, forest
	d.fitted = true
	d.fittedAt = d.now().UTC()
	d.sampleCount = len(rows)
	d.mu.Unlock()

	metrics.ModelFitDurationSeconds.Observe(time.Since(start).Seconds())
	metrics.ModelSamples.Set(float64(len(rows)))
	d.logger.Info("baseline model built", zap.Int("samples", len(rows)), zap.Float64("offset", forest.Offset()))
	return true, nil
}

// ensureFitted builds the model once when no model is present.
func (d *Detector) ensureFitted(ctx context.Context) (bool, error) {
	d.buildMu.Lock()
	defer d.buildMu.Unlock()
	if _, _, ok := d.model(); ok {
		return true, nil
	}
	d.logger.Warn("anomaly detector not fitted, building baseline model")
	return d.build(ctx, d.opts.SampleSize)
}

// DetectAnomaly scores a customer's recent behavior. It returns (nil, nil)
// when no model can be built yet.
func (d *Detector) DetectAnomaly(ctx context.Context, customerID string) (*Result, error) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "anomaly.detect", tracing.CustomerIDKey.String(customerID))
	defer span.End()

	customer, err := d.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	scaler, forest, ok := d.model()
	if !ok {
		built, err := d.ensureFitted(ctx)
		if err != nil {
			metrics.DetectionsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if !built {
			metrics.DetectionsTotal.WithLabelValues("unavailable").Inc()
			return nil, nil
		}
		scaler, forest, _ = d.model()
	}

	vec, err := d.extractor.Extract(ctx, customerID, d.opts.FeatureWindow)
	if err != nil {
		metrics.DetectionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	scaled, err := scaler.Transform(vec.Values())
	if err == nil {
		var score float64
		score, err = forest.DecisionFunction(scaled)
		if err == nil {
			return d.finish(ctx, customer, vec, score)
		}
	}
	d.logger.Error("error scaling features", zap.String("customer_id", customerID), zap.Error(err))
	metrics.DetectionsTotal.WithLabelValues("error").Inc()
	tracing.Fail(span, err)
	return nil, fmt.Errorf("%w: %v", ErrScaling, err)
}

func (d *Detector) finish(ctx context.Context, customer *models.Customer, vec features.Vector, score float64) (*Result, error) {
	baseline, err := d.baselineFor(ctx, customer.ID)
	if err != nil {
		metrics.DetectionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	res := &Result{
		CustomerID:   customer.ID,
		Customer:     customer,
		IsAnomaly:    score < 0,
		AnomalyScore: score,
		Features:     vec,
		Baseline:     baseline,
		Findings:     AnalyzeDeviations(vec, baseline),
		DetectedAt:   d.now().UTC(),
	}

	outcome := "normal"
	if res.IsAnomaly {
		outcome = "anomaly"
	}
	metrics.DetectionsTotal.WithLabelValues(outcome).Inc()
	metrics.AnomalyScore.Observe(score)
	d.logger.Debug("customer scored",
		zap.String("customer_id", customer.ID),
		zap.Float64("score", score),
		zap.Bool("is_anomaly", res.IsAnomaly),
		zap.Int("findings", len(res.Findings)),
	)
	return res, nil
}

package alerting

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/pkg/metrics"
	"github.com/kubilitics/churnwatch/internal/pkg/tracing"
)

// MonitorStore is the persistence the rule monitor needs.
type MonitorStore interface {
	ListRules(ctx context.Context, activeOnly bool) ([]*models.AlertRule, error)
	CreateRule(ctx context.Context, r *models.AlertRule) error
	ListCustomers(ctx context.Context, limit, offset int) ([]*models.Customer, error)
	ApplyPrediction(ctx context.Context, id string, p models.Prediction, at time.Time) error
	CreateChurnAlert(ctx context.Context, a *models.ChurnAlert) error
	GetChurnAlert(ctx context.Context, id string) (*models.ChurnAlert, error)
	UpdateChurnAlertStatus(ctx context.Context, a *models.ChurnAlert, from models.ChurnAlertStatus) error
	MarkChurnAlertNotified(ctx context.Context, id string, emailSent bool, at time.Time) error
	CustomersWithActiveChurnAlertSince(ctx context.Context, since time.Time) ([]string, error)
}

// Predictor scores a customer with the churn classifier.
type Predictor interface {
	Predict(ctx context.Context, c *models.Customer) (models.Prediction, error)
}

// Notifier delivers notifications without blocking the caller.
type Notifier interface {
	Notify(ev models.NotifyEvent)
}

// MonitorOptions controls a single monitor pass.
type MonitorOptions struct {
	// DryRun scores customers and evaluates rules without writing anything
	// or sending notifications.
	DryRun bool
	// Force ignores the per-rule cooldown.
	Force bool
}

// MonitorSummary reports what a monitor pass did.
type MonitorSummary struct {
	RulesProcessed   int `json:"rules_processed"`
	CustomersChecked int `json:"customers_checked"`
	AlertsCreated    int `json:"alerts_created"`
}

const customerPageSize = 500

// Monitor re-scores customers and raises churn alerts from the active rules.
type Monitor struct {
	store     MonitorStore
	predictor Predictor
	notifier  Notifier
	defaults  RuleDefaults
	logger    *zap.Logger
	now       func() time.Time
}

// NewMonitor creates a Monitor. notifier may be nil.
func NewMonitor(store MonitorStore, predictor Predictor, notifier Notifier, defaults RuleDefaults, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:     store,
		predictor: predictor,
		notifier:  notifier,
		defaults:  defaults,
		logger:    logger.Named("monitor"),
		now:       time.Now,
	}
}

// Run performs one monitor pass over every active rule.
func (m *Monitor) Run(ctx context.Context, opts MonitorOptions) (MonitorSummary, error) {
	var sum MonitorSummary
	ctx, span := tracing.StartSpanWithAttributes(ctx, "alerting.monitor_run", tracing.DryRunKey.Bool(opts.DryRun))
	defer span.End()
	m.logger.Info("starting churn monitoring", zap.Bool("dry_run", opts.DryRun), zap.Bool("force", opts.Force))

	rules, err := m.rules(ctx, opts.DryRun)
	if err != nil {
		tracing.Fail(span, err)
		return sum, err
	}

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		m.logger.Info("processing rule", zap.String("rule", rule.Name))
		if err := m.runRule(ctx, rule, opts, &sum); err != nil {
			tracing.Fail(span, err)
			return sum, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		sum.RulesProcessed++
	}

	m.logger.Info("monitoring complete",
		zap.Int("rules_processed", sum.RulesProcessed),
		zap.Int("customers_checked", sum.CustomersChecked),
		zap.Int("alerts_created", sum.AlertsCreated),
	)
	return sum, nil
}

func (m *Monitor) rules(ctx context.Context, dryRun bool) ([]*models.AlertRule, error) {
	rules, err := m.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	if len(rules) > 0 {
		return rules, nil
	}

	m.logger.Warn("no active alert rules found, using default rule")
	rule := DefaultRule(m.defaults)
	if !dryRun {
		if err := m.store.CreateRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("create default rule: %w", err)
		}
	}
	return []*models.AlertRule{rule}, nil
}

func (m *Monitor) runRule(ctx context.Context, rule *models.AlertRule, opts MonitorOptions, sum *MonitorSummary) error {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "alerting.monitor_rule", tracing.RuleKey.String(rule.Name))
	defer span.End()

	skip := map[string]bool{}
	if !opts.Force {
		since := m.now().Add(-time.Duration(rule.CooldownHours) * time.Hour)
		ids, err := m.store.CustomersWithActiveChurnAlertSince(ctx, since)
		if err != nil {
			return fmt.Errorf("load cooldown customers: %w", err)
		}
		for _, id := range ids {
			skip[id] = true
		}
	}

	for offset := 0; ; offset += customerPageSize {
		page, err := m.store.ListCustomers(ctx, customerPageSize, offset)
		if err != nil {
			return fmt.Errorf("list customers: %w", err)
		}
		for _, c := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if skip[c.ID] {
				continue
			}
			n, err := m.checkCustomer(ctx, c, rule, opts)
			if err != nil {
				m.logger.Error("error processing customer", zap.String("customer_id", c.ID), zap.Error(err))
				continue
			}
			sum.AlertsCreated += n
			sum.CustomersChecked++
		}
		if len(page) < customerPageSize {
			return nil
		}
	}
}

// checkCustomer re-scores c and raises the rule's alerts. It returns the
// number of alerts created, or that would have been created in a dry run.
func (m *Monitor) checkCustomer(ctx context.Context, c *models.Customer, rule *models.AlertRule, opts MonitorOptions) (int, error) {
	p, err := m.predictor.Predict(ctx, c)
	if err != nil {
		return 0, fmt.Errorf("predict churn: %w", err)
	}
	alerts := CheckAlertConditions(c, rule, p)

	if !opts.DryRun {
		if err := m.store.ApplyPrediction(ctx, c.ID, p, m.now()); err != nil {
			return 0, fmt.Errorf("update customer profile: %w", err)
		}
	}

	created := 0
	for i := range alerts {
		a := &alerts[i]
		if opts.DryRun {
			m.logger.Info("dry run: would create churn alert", zap.String("customer_id", c.ID), zap.String("title", a.Title))
			created++
			continue
		}
		if err := m.store.CreateChurnAlert(ctx, a); err != nil {
			return created, fmt.Errorf("create churn alert: %w", err)
		}
		metrics.ChurnAlertsCreatedTotal.WithLabelValues(string(a.AlertType)).Inc()
		created++
		m.notify(ctx, c, rule, a)
	}
	return created, nil
}

func (m *Monitor) notify(ctx context.Context, c *models.Customer, rule *models.AlertRule, a *models.ChurnAlert) {
	recipients := rule.Recipients()
	if m.notifier == nil || !rule.SendEmail || len(recipients) == 0 {
		return
	}
	ev := models.NewNotifyEvent(models.NotifyChurnAlert, c.ID)
	ev.Title = NotificationSubject(a)
	ev.Severity = string(a.Priority)
	ev.Message = NotificationBody(c, a)
	ev.Recipients = recipients
	m.notifier.Notify(ev)

	if err := m.store.MarkChurnAlertNotified(ctx, a.ID, true, m.now()); err != nil {
		m.logger.Error("failed to mark churn alert notified", zap.String("alert_id", a.ID), zap.Error(err))
		return
	}
	a.EmailSent = true
	m.logger.Info("notification sent for churn alert", zap.String("alert_id", a.ID), zap.String("title", a.Title))
}

// TransitionChurnAlert acknowledges, resolves or dismisses a churn alert.
func (m *Monitor) TransitionChurnAlert(ctx context.Context, id string, status models.ChurnAlertStatus) (*models.ChurnAlert, error) {
	a, err := m.store.GetChurnAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	from := a.Status
	if !from.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	a.Status = status
	if status == models.ChurnAlertAcknowledged {
		now := m.now().UTC()
		a.AcknowledgedAt = &now
	}
	if err := m.store.UpdateChurnAlertStatus(ctx, a, from); err != nil {
		return nil, err
	}
	return a, nil
}

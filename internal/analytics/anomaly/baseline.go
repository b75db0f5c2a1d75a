package anomaly

import (
	"context"
	"errors"
	"fmt"

	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/repository"
)

const (
	baselineDays             = 30
	defaultBaselineSession   = 30.0
	defaultBaselinePageViews = 5.0
)

// ComputeBaseline derives a customer's reference behavior from days worth of events.
func ComputeBaseline(customerID string, events []*models.Event, days int) *models.BehaviorBaseline {
	if days <= 0 {
		days = baselineDays
	}
	var logins, purchases int
	for _, e := range events {
		switch e.Type {
		case models.EventLogin:
			logins++
		case models.EventPurchase:
			purchases++
		}
	}
	return &models.BehaviorBaseline{
		CustomerID:             customerID,
		AvgLoginsPerDay:        float64(logins) / float64(days),
		AvgPurchasesPerWeek:    float64(purchases) / float64(days) * 7,
		AvgSessionDuration:     defaultBaselineSession,
		AvgPageViewsPerSession: defaultBaselinePageViews,
		DataPointsCount:        len(events),
	}
}

// RefreshBaseline recomputes and stores a customer's baseline from the last
// 30 days of events, and mirrors the rolling averages onto the customer.
func (d *Detector) RefreshBaseline(ctx context.Context, customerID string) (*models.BehaviorBaseline, error) {
	end := d.now().UTC()
	events, err := d.store.ListEvents(ctx, customerID, end.AddDate(0, 0, -baselineDays), end)
	if err != nil {
		return nil, fmt.Errorf("read events for baseline: %w", err)
	}
	b := ComputeBaseline(customerID, events, baselineDays)
	b.LastUpdated = end
	if err := d.store.UpsertBaseline(ctx, b); err != nil {
		return nil, err
	}
	if err := d.store.UpdateCustomerSummary(ctx, customerID, b.AvgLoginsPerDay, b.AvgPurchasesPerWeek, b.AvgSessionDuration); err != nil {
		return nil, err
	}
	return b, nil
}

// baselineFor loads the stored baseline, computing and saving one if missing.
func (d *Detector) baselineFor(ctx context.Context, customerID string) (*models.BehaviorBaseline, error) {
	b, err := d.store.GetBaseline(ctx, customerID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return d.RefreshBaseline(ctx, customerID)
}

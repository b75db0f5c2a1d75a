package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kubilitics/churnwatch/internal/models"
)

func (r *SQLRepository) GetBaseline(ctx context.Context, customerID string) (*models.BehaviorBaseline, error) {
	var b models.BehaviorBaseline
	err := r.db.GetContext(ctx, &b, r.q(`SELECT * FROM behavior_baselines WHERE customer_id = ?`), customerID)
	if err != nil {
		return nil, notFound(err, "baseline", customerID)
	}
	return &b, nil
}

func (r *SQLRepository) UpsertBaseline(ctx context.Context, b *models.BehaviorBaseline) error {
	if b.LastUpdated.IsZero() {
		b.LastUpdated = time.Now()
	}
	b.LastUpdated = utc(b.LastUpdated)

	query := `
		INSERT INTO behavior_baselines (customer_id, avg_logins_per_day, avg_purchases_per_week,
			avg_session_duration, avg_page_views_per_session, data_points_count, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (customer_id) DO UPDATE SET
			avg_logins_per_day = excluded.avg_logins_per_day,
			avg_purchases_per_week = excluded.avg_purchases_per_week,
			avg_session_duration = excluded.avg_session_duration,
			avg_page_views_per_session = excluded.avg_page_views_per_session,
			data_points_count = excluded.data_points_count,
			last_updated = excluded.last_updated
	`
	_, err := r.db.ExecContext(ctx, r.q(query),
		b.CustomerID, b.AvgLoginsPerDay, b.AvgPurchasesPerWeek,
		b.AvgSessionDuration, b.AvgPageViewsPerSession, b.DataPointsCount, b.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert baseline: %w", err)
	}
	return nil
}

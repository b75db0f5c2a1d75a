package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/churnwatch/internal/models"
)

func (r *SQLRepository) CreateCustomer(ctx context.Context, c *models.Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.ExternalID == "" {
		c.ExternalID = c.ID
	}
	if c.CurrentSegmentID == 0 {
		c.CurrentSegmentID = models.DefaultSegment
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	query := `
		INSERT INTO customers (id, external_id, name, email, avg_daily_logins, avg_weekly_orders,
			avg_session_duration, last_activity, current_churn_probability, previous_churn_probability,
			current_value_score, current_segment_id, tenure, order_count, cashback_amount,
			last_prediction_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.q(query),
		c.ID, c.ExternalID, c.Name, c.Email,
		c.AvgDailyLogins, c.AvgWeeklyOrders, c.AvgSessionDuration, utcPtr(c.LastActivity),
		c.CurrentChurnProbability, c.PreviousChurnProbability, c.CurrentValueScore, c.CurrentSegmentID,
		c.Tenure, c.OrderCount, c.CashbackAmount, utcPtr(c.LastPredictionAt),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var c models.Customer
	err := instrumentQuery("get_customer", func() error {
		return r.db.GetContext(ctx, &c, r.q(`SELECT * FROM customers WHERE id = ?`), id)
	})
	if err != nil {
		return nil, notFound(err, "customer", id)
	}
	return &c, nil
}

func (r *SQLRepository) GetCustomerByExternalID(ctx context.Context, externalID string) (*models.Customer, error) {
	var c models.Customer
	err := r.db.GetContext(ctx, &c, r.q(`SELECT * FROM customers WHERE external_id = ?`), externalID)
	if err != nil {
		return nil, notFound(err, "customer", externalID)
	}
	return &c, nil
}

func (r *SQLRepository) ListCustomers(ctx context.Context, limit, offset int) ([]*models.Customer, error) {
	var out []*models.Customer
	query := `SELECT * FROM customers ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	if err := r.db.SelectContext(ctx, &out, r.q(query), clampLimit(limit, 50, 500), max(offset, 0)); err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) ListCustomerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM customers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list customer ids: %w", err)
	}
	return ids, nil
}

func (r *SQLRepository) ListActiveCustomerIDs(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	query := `
		SELECT id FROM customers WHERE last_activity >= ?
		UNION
		SELECT DISTINCT customer_id FROM customer_events WHERE timestamp >= ?
	`
	since = utc(since)
	err := instrumentQuery("list_active_customers", func() error {
		return r.db.SelectContext(ctx, &ids, r.q(query), since, since)
	})
	if err != nil {
		return nil, fmt.Errorf("list active customers: %w", err)
	}
	return ids, nil
}

func (r *SQLRepository) SampleCustomersWithEvents(ctx context.Context, minEvents, limit int) ([]string, error) {
	var ids []string
	query := `
		SELECT customer_id FROM customer_events
		GROUP BY customer_id
		HAVING COUNT(*) >= ?
		ORDER BY RANDOM()
		LIMIT ?
	`
	err := instrumentQuery("sample_customers", func() error {
		return r.db.SelectContext(ctx, &ids, r.q(query), minEvents, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("sample customers: %w", err)
	}
	return ids, nil
}

func (r *SQLRepository) TouchCustomerActivity(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE customers SET last_activity = ?, updated_at = ? WHERE id = ?`
	return r.execOne(ctx, "customer", id, query, utc(at), time.Now().UTC(), id)
}

func (r *SQLRepository) UpdateCustomerSummary(ctx context.Context, id string, avgDailyLogins, avgWeeklyOrders, avgSessionDuration float64) error {
	query := `
		UPDATE customers
		SET avg_daily_logins = ?, avg_weekly_orders = ?, avg_session_duration = ?, updated_at = ?
		WHERE id = ?
	`
	return r.execOne(ctx, "customer", id, query, avgDailyLogins, avgWeeklyOrders, avgSessionDuration, time.Now().UTC(), id)
}

func (r *SQLRepository) ApplyPrediction(ctx context.Context, id string, p models.Prediction, at time.Time) error {
	query := `
		UPDATE customers
		SET previous_churn_probability = current_churn_probability,
		    current_churn_probability = ?, current_value_score = ?, current_segment_id = ?,
		    last_prediction_at = ?, updated_at = ?
		WHERE id = ?
	`
	return r.execOne(ctx, "customer", id, query, p.ChurnProbability, p.ValueScore, p.SegmentID, utc(at), time.Now().UTC(), id)
}

// execOne runs an update that must touch exactly one row.
func (r *SQLRepository) execOne(ctx context.Context, entity, id, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", entity, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

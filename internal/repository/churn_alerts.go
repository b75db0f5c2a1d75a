package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/churnwatch/internal/models"
)

func (r *SQLRepository) CreateChurnAlert(ctx context.Context, a *models.ChurnAlert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.ChurnAlertActive
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	query := `
		INSERT INTO churn_alerts (id, customer_id, alert_type, priority, status, title, message,
			churn_probability, previous_probability, probability_change, segment_id, email_sent,
			notification_sent_at, acknowledged_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.q(query),
		a.ID, a.CustomerID, string(a.AlertType), string(a.Priority), string(a.Status), a.Title, a.Message,
		a.ChurnProbability, a.PreviousProbability, a.ProbabilityChange, a.SegmentID, a.EmailSent,
		utcPtr(a.NotificationSentAt), utcPtr(a.AcknowledgedAt), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert churn alert: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetChurnAlert(ctx context.Context, id string) (*models.ChurnAlert, error) {
	var a models.ChurnAlert
	if err := r.db.GetContext(ctx, &a, r.q(`SELECT * FROM churn_alerts WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "churn alert", id)
	}
	return &a, nil
}

func (r *SQLRepository) ListChurnAlerts(ctx context.Context, status models.ChurnAlertStatus, customerID string, limit, offset int) ([]*models.ChurnAlert, error) {
	var (
		where []string
		args  []interface{}
	)
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	if customerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, customerID)
	}
	query := `SELECT * FROM churn_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, clampLimit(limit, 50, 500), max(offset, 0))

	var out []*models.ChurnAlert
	if err := r.db.SelectContext(ctx, &out, r.q(query), args...); err != nil {
		return nil, fmt.Errorf("list churn alerts: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) UpdateChurnAlertStatus(ctx context.Context, a *models.ChurnAlert, from models.ChurnAlertStatus) error {
	a.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE churn_alerts SET status = ?, acknowledged_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := r.db.ExecContext(ctx, r.q(query), string(a.Status), utcPtr(a.AcknowledgedAt), a.UpdatedAt, a.ID, string(from))
	if err != nil {
		return fmt.Errorf("update churn alert status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update churn alert status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("churn alert %s changed concurrently: %w", a.ID, ErrConflict)
	}
	return nil
}

func (r *SQLRepository) MarkChurnAlertNotified(ctx context.Context, id string, emailSent bool, at time.Time) error {
	query := `UPDATE churn_alerts SET email_sent = ?, notification_sent_at = ?, updated_at = ? WHERE id = ?`
	return r.execOne(ctx, "churn alert", id, query, emailSent, utc(at), time.Now().UTC(), id)
}

func (r *SQLRepository) CustomersWithActiveChurnAlertSince(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	query := `SELECT DISTINCT customer_id FROM churn_alerts WHERE status = ? AND created_at >= ?`
	if err := r.db.SelectContext(ctx, &ids, r.q(query), string(models.ChurnAlertActive), utc(since)); err != nil {
		return nil, fmt.Errorf("list customers in cooldown: %w", err)
	}
	return ids, nil
}

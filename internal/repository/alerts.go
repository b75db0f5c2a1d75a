package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/churnwatch/internal/models"
)

func (r *SQLRepository) CreateAlertUnlessRecent(ctx context.Context, a *models.AnomalyAlert, since time.Time) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.AlertStatusNew
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now()
	}
	a.DetectedAt = utc(a.DetectedAt)

	created := false
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var recent int
		check := `SELECT COUNT(*) FROM anomaly_alerts WHERE customer_id = ? AND alert_type = ? AND detected_at >= ?`
		if err := tx.GetContext(ctx, &recent, tx.Rebind(check), a.CustomerID, string(a.AlertType), utc(since)); err != nil {
			return fmt.Errorf("check recent alerts: %w", err)
		}
		if recent > 0 {
			return nil
		}
		insert := `
			INSERT INTO anomaly_alerts (id, customer_id, alert_type, severity, status, description,
				anomaly_score, baseline_value, current_value, detected_at, acknowledged_at, resolved_at,
				triggered_churn_prediction, updated_churn_probability)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, tx.Rebind(insert),
			a.ID, a.CustomerID, string(a.AlertType), string(a.Severity), string(a.Status), a.Description,
			a.AnomalyScore, a.BaselineValue, a.CurrentValue, a.DetectedAt, utcPtr(a.AcknowledgedAt), utcPtr(a.ResolvedAt),
			a.TriggeredChurnPrediction, a.UpdatedChurnProbability,
		)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

func (r *SQLRepository) GetAlert(ctx context.Context, id string) (*models.AnomalyAlert, error) {
	var a models.AnomalyAlert
	if err := r.db.GetContext(ctx, &a, r.q(`SELECT * FROM anomaly_alerts WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "alert", id)
	}
	return &a, nil
}

func (r *SQLRepository) ListAlerts(ctx context.Context, f models.AlertFilter) ([]*models.AnomalyAlert, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Since != nil {
		where = append(where, "detected_at >= ?")
		args = append(args, utc(*f.Since))
	}

	query := `SELECT * FROM anomaly_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, clampLimit(f.Limit, 50, 500), max(f.Offset, 0))

	var out []*models.AnomalyAlert
	err := instrumentQuery("list_alerts", func() error {
		return r.db.SelectContext(ctx, &out, r.q(query), args...)
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, a *models.AnomalyAlert, from models.AlertStatus) error {
	query := `
		UPDATE anomaly_alerts SET status = ?, acknowledged_at = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := r.db.ExecContext(ctx, r.q(query), string(a.Status), utcPtr(a.AcknowledgedAt), utcPtr(a.ResolvedAt), a.ID, string(from))
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("alert %s changed concurrently: %w", a.ID, ErrConflict)
	}
	return nil
}

func (r *SQLRepository) MarkAlertEscalated(ctx context.Context, id string, probability float64) error {
	query := `UPDATE anomaly_alerts SET triggered_churn_prediction = ?, updated_churn_probability = ? WHERE id = ?`
	return r.execOne(ctx, "alert", id, query, true, probability, id)
}

func (r *SQLRepository) DeleteAlertsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM anomaly_alerts WHERE detected_at < ?`), utc(before))
	if err != nil {
		return 0, fmt.Errorf("delete old alerts: %w", err)
	}
	return res.RowsAffected()
}

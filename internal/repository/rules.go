package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/churnwatch/internal/models"
)

func (r *SQLRepository) CreateRule(ctx context.Context, rule *models.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now

	query := `
		INSERT INTO alert_rules (id, name, description, is_active, churn_threshold, sudden_increase_threshold,
			send_email, email_recipients, check_frequency_minutes, cooldown_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.q(query),
		rule.ID, rule.Name, rule.Description, rule.Active, rule.ChurnThreshold, rule.SuddenIncreaseThreshold,
		rule.SendEmail, rule.EmailRecipients, rule.CheckFrequencyMinutes, rule.CooldownHours, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert rule: %w", err)
	}
	return nil
}

func (r *SQLRepository) ListRules(ctx context.Context, activeOnly bool) ([]*models.AlertRule, error) {
	query := `SELECT * FROM alert_rules`
	var args []interface{}
	if activeOnly {
		query += ` WHERE is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at, id`

	var rules []*models.AlertRule
	if err := r.db.SelectContext(ctx, &rules, r.q(query), args...); err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	return rules, nil
}

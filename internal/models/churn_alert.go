package models

import (
	"fmt"
	"strings"
	"time"
)

// AlertRule configures the periodic churn-probability monitor.
type AlertRule struct {
	ID                      string    `json:"id" db:"id"`
	Name                    string    `json:"name" db:"name"`
	Description             string    `json:"description" db:"description"`
	Active                  bool      `json:"is_active" db:"is_active"`
	ChurnThreshold          float64   `json:"churn_threshold" db:"churn_threshold"`
	SuddenIncreaseThreshold float64   `json:"sudden_increase_threshold" db:"sudden_increase_threshold"`
	SendEmail               bool      `json:"send_email" db:"send_email"`
	EmailRecipients         string    `json:"email_recipients" db:"email_recipients"` // comma-separated
	CheckFrequencyMinutes   int       `json:"check_frequency_minutes" db:"check_frequency_minutes"`
	CooldownHours           int       `json:"cooldown_hours" db:"cooldown_hours"`
	CreatedAt               time.Time `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" db:"updated_at"`
}

// Recipients splits EmailRecipients, dropping blanks.
func (r *AlertRule) Recipients() []string {
	var out []string
	for _, p := range strings.Split(r.EmailRecipients, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ChurnAlertType classifies a churn alert.
type ChurnAlertType string

const (
	ChurnThresholdBreach  ChurnAlertType = "threshold_breach"
	ChurnSuddenIncrease   ChurnAlertType = "sudden_increase"
	ChurnCriticalCustomer ChurnAlertType = "critical_customer"
)

// Priority of a churn alert.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ChurnAlertStatus is the lifecycle state of a churn alert.
type ChurnAlertStatus string

const (
	ChurnAlertActive       ChurnAlertStatus = "active"
	ChurnAlertAcknowledged ChurnAlertStatus = "acknowledged"
	ChurnAlertResolved     ChurnAlertStatus = "resolved"
	ChurnAlertDismissed    ChurnAlertStatus = "dismissed"
)

// ParseChurnAlertStatus validates a churn alert status string.
func ParseChurnAlertStatus(s string) (ChurnAlertStatus, error) {
	switch st := ChurnAlertStatus(s); st {
	case ChurnAlertActive, ChurnAlertAcknowledged, ChurnAlertResolved, ChurnAlertDismissed:
		return st, nil
	}
	return "", fmt.Errorf("unknown churn alert status %q", s)
}

// CanTransitionTo reports whether a churn alert may move from s to next.
// Active alerts may be acknowledged, resolved or dismissed; acknowledged ones
// may be resolved or dismissed.
func (s ChurnAlertStatus) CanTransitionTo(next ChurnAlertStatus) bool {
	switch s {
	case ChurnAlertActive:
		return next == ChurnAlertAcknowledged || next == ChurnAlertResolved || next == ChurnAlertDismissed
	case ChurnAlertAcknowledged:
		return next == ChurnAlertResolved || next == ChurnAlertDismissed
	}
	return false
}

// ChurnAlert is raised by the rule monitor when a re-scored churn probability
// crosses a rule threshold.
type ChurnAlert struct {
	ID                  string           `json:"id" db:"id"`
	CustomerID          string           `json:"customer_id" db:"customer_id"`
	AlertType           ChurnAlertType   `json:"alert_type" db:"alert_type"`
	Priority            Priority         `json:"priority" db:"priority"`
	Status              ChurnAlertStatus `json:"status" db:"status"`
	Title               string           `json:"title" db:"title"`
	Message             string           `json:"message" db:"message"`
	ChurnProbability    float64          `json:"churn_probability" db:"churn_probability"`
	PreviousProbability float64          `json:"previous_probability" db:"previous_probability"`
	ProbabilityChange   float64          `json:"probability_change" db:"probability_change"`
	SegmentID           int              `json:"segment_id" db:"segment_id"`
	EmailSent           bool             `json:"email_sent" db:"email_sent"`
	NotificationSentAt  *time.Time       `json:"notification_sent_at,omitempty" db:"notification_sent_at"`
	AcknowledgedAt      *time.Time       `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// Prediction is the churn classifier's output for one customer.
type Prediction struct {
	ChurnProbability float64 `json:"churn_probability"`
	ValueScore       float64 `json:"value_score"`
	SegmentID        int     `json:"segment_id"`
}

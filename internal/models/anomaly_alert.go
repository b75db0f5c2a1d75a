package models

import (
	"fmt"
	"time"
)

// AlertType classifies an anomaly alert.
type AlertType string

const (
	AlertLoginDrop        AlertType = "login_drop"
	AlertPurchaseDrop     AlertType = "purchase_drop"
	AlertSessionAnomaly   AlertType = "session_anomaly"
	AlertPaymentIssues    AlertType = "payment_issues"
	AlertSupportSpike     AlertType = "support_spike"
	AlertEngagementDrop   AlertType = "engagement_drop"
	AlertProblemSpike     AlertType = "problem_spike"
	AlertCartAbandonSpike AlertType = "cart_abandon_spike"
)

// Severity of an anomaly alert or finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AlertStatus is the lifecycle state of an anomaly alert.
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "new"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusNew:           {AlertStatusAcknowledged},
	AlertStatusAcknowledged:  {AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusInvestigating: {AlertStatusResolved, AlertStatusFalsePositive},
}

// CanTransitionTo reports whether the alert lifecycle allows moving from s to next.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseAlertStatus validates an anomaly alert status string.
func ParseAlertStatus(s string) (AlertStatus, error) {
	switch st := AlertStatus(s); st {
	case AlertStatusNew, AlertStatusAcknowledged, AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive:
		return st, nil
	}
	return "", fmt.Errorf("unknown alert status %q", s)
}

// IsTerminal reports whether no further transition is possible.
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusResolved || s == AlertStatusFalsePositive
}

// Finding is a single deviation from a customer's baseline.
type Finding struct {
	Type          AlertType `json:"type"`
	Severity      Severity  `json:"severity"`
	Description   string    `json:"description"`
	CurrentValue  float64   `json:"current_value"`
	BaselineValue float64   `json:"baseline_value"`
}

// AnomalyAlert is a persisted record of a detected anomaly.
type AnomalyAlert struct {
	ID                       string      `json:"id" db:"id"`
	CustomerID               string      `json:"customer_id" db:"customer_id"`
	AlertType                AlertType   `json:"alert_type" db:"alert_type"`
	Severity                 Severity    `json:"severity" db:"severity"`
	Status                   AlertStatus `json:"status" db:"status"`
	Description              string      `json:"description" db:"description"`
	AnomalyScore             float64     `json:"anomaly_score" db:"anomaly_score"`
	BaselineValue            *float64    `json:"baseline_value,omitempty" db:"baseline_value"`
	CurrentValue             *float64    `json:"current_value,omitempty" db:"current_value"`
	DetectedAt               time.Time   `json:"detected_at" db:"detected_at"`
	AcknowledgedAt           *time.Time  `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedAt               *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	TriggeredChurnPrediction bool        `json:"triggered_churn_prediction" db:"triggered_churn_prediction"`
	UpdatedChurnProbability  *float64    `json:"updated_churn_probability,omitempty" db:"updated_churn_probability"`
}

// AlertFilter narrows anomaly alert listings. Zero values are ignored.
type AlertFilter struct {
	Status     AlertStatus
	CustomerID string
	Severity   Severity
	Since      *time.Time
	Limit      int
	Offset     int
}

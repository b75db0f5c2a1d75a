package models

import "time"

// TopValueSegment is the customer segment the classifier assigns to the most
// valuable customers.
const TopValueSegment = 1

// DefaultSegment is assigned to customers that have never been scored.
const DefaultSegment = 4

// Customer is a monitored customer with rolling summary stats and the latest
// churn prediction.
type Customer struct {
	ID                       string     `json:"id" db:"id"`
	ExternalID               string     `json:"external_id" db:"external_id"`
	Name                     string     `json:"name" db:"name"`
	Email                    string     `json:"email" db:"email"`
	AvgDailyLogins           float64    `json:"avg_daily_logins" db:"avg_daily_logins"`
	AvgWeeklyOrders          float64    `json:"avg_weekly_orders" db:"avg_weekly_orders"`
	AvgSessionDuration       float64    `json:"avg_session_duration" db:"avg_session_duration"` // minutes
	LastActivity             *time.Time `json:"last_activity,omitempty" db:"last_activity"`
	CurrentChurnProbability  float64    `json:"current_churn_probability" db:"current_churn_probability"`
	PreviousChurnProbability float64    `json:"previous_churn_probability" db:"previous_churn_probability"`
	CurrentValueScore        float64    `json:"current_value_score" db:"current_value_score"`
	CurrentSegmentID         int        `json:"current_segment_id" db:"current_segment_id"`
	Tenure                   int        `json:"tenure" db:"tenure"`
	OrderCount               int        `json:"order_count" db:"order_count"`
	CashbackAmount           float64    `json:"cashback_amount" db:"cashback_amount"`
	LastPredictionAt         *time.Time `json:"last_prediction_at,omitempty" db:"last_prediction_at"`
	CreatedAt                time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at" db:"updated_at"`
}

// RiskChange is the change between the last two churn predictions.
func (c *Customer) RiskChange() float64 {
	return c.CurrentChurnProbability - c.PreviousChurnProbability
}

// CustomerActivity is a customer's event count, used to pick training samples.
type CustomerActivity struct {
	CustomerID string `db:"customer_id"`
	EventCount int    `db:"event_count"`
}

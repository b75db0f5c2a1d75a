package models

import "time"

// BehaviorBaseline holds a customer's reference behavior. There is one per
// customer; recomputation overwrites it.
type BehaviorBaseline struct {
	CustomerID             string    `json:"customer_id" db:"customer_id"`
	AvgLoginsPerDay        float64   `json:"avg_logins_per_day" db:"avg_logins_per_day"`
	AvgPurchasesPerWeek    float64   `json:"avg_purchases_per_week" db:"avg_purchases_per_week"`
	AvgSessionDuration     float64   `json:"avg_session_duration" db:"avg_session_duration"`
	AvgPageViewsPerSession float64   `json:"avg_page_views_per_session" db:"avg_page_views_per_session"`
	DataPointsCount        int       `json:"data_points_count" db:"data_points_count"`
	LastUpdated            time.Time `json:"last_updated" db:"last_updated"`
}

// WeeklyLogins is the baseline login count over a seven day window.
func (b *BehaviorBaseline) WeeklyLogins() float64 {
	return b.AvgLoginsPerDay * 7
}

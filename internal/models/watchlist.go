package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RiskLevel of a watchlisted customer.
type RiskLevel string

const (
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// WatchlistEntry tracks a customer with elevated churn risk. There is a single
// row per customer; Active marks whether it is currently watched.
type WatchlistEntry struct {
	ID               string    `json:"id" db:"id"`
	CustomerID       string    `json:"customer_id" db:"customer_id"`
	ChurnProbability float64   `json:"churn_probability" db:"churn_probability"`
	RiskLevel        RiskLevel `json:"risk_level" db:"risk_level"`
	AnomalyContext   JSONMap   `json:"anomaly_context" db:"anomaly_context"`
	Active           bool      `json:"is_active" db:"is_active"`
	AddedAt          time.Time `json:"added_at" db:"added_at"`
	LastUpdated      time.Time `json:"last_updated" db:"last_updated"`
	Customer         *Customer `json:"customer,omitempty" db:"-"`
}

// JSONMap is a free-form JSON object persisted as text.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	return Metadata(m).Value()
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	var md Metadata
	if err := md.Scan(src); err != nil {
		return fmt.Errorf("anomaly context: %w", err)
	}
	*m = JSONMap(md)
	return nil
}

// AnomalyContextFrom builds the snapshot stored on a watchlist entry.
func AnomalyContextFrom(score float64, findings []Finding, features map[string]float64) JSONMap {
	raw, _ := json.Marshal(findings)
	var fs []interface{}
	_ = json.Unmarshal(raw, &fs)
	ctx := JSONMap{
		"anomaly_score": score,
		"findings":      fs,
	}
	if features != nil {
		f := make(map[string]interface{}, len(features))
		for k, v := range features {
			f[k] = v
		}
		ctx["features"] = f
	}
	return ctx
}

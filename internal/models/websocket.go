package models

import "time"

// WebSocketMessage is pushed to real-time subscribers.
type WebSocketMessage struct {
	Type      string                 `json:"type"` // anomaly_detected, watchlist_update, ...
	Group     string                 `json:"group,omitempty"`
	Data      interface{}            `json:"data,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// WebSocket group names.
const (
	GroupAlerts      = "alerts"
	GroupWatchlist   = "watchlist"
	GroupPredictions = "predictions"
)

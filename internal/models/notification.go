package models

import "time"

// NotificationChannelType identifies the transport format for a notification channel.
type NotificationChannelType string

const (
	NotificationChannelWebhook NotificationChannelType = "webhook"
	NotificationChannelSlack   NotificationChannelType = "slack"
)

// Notification event names a channel may subscribe to.
const (
	NotifyAnomalyDetected = "anomaly_detected"
	NotifyWatchlistUpdate = "watchlist_update"
	NotifyChurnAlert      = "churn_alert"
)

// NotificationChannel is a configured endpoint that receives alert notifications.
type NotificationChannel struct {
	ID   string                  `json:"id" mapstructure:"id"`
	Type NotificationChannelType `json:"type" mapstructure:"type"`
	URL  string                  `json:"url" mapstructure:"url"`
	// Events is the set of event names this channel subscribes to; empty
	// subscribes to everything.
	Events  []string `json:"events" mapstructure:"events"`
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
}

// Subscribes reports whether the channel wants eventType.
func (c NotificationChannel) Subscribes(eventType string) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// NotifyEvent is the payload delivered to each subscribed channel.
type NotifyEvent struct {
	EventType  string   `json:"event_type"`
	CustomerID string   `json:"customer_id"`
	Title      string   `json:"title,omitempty"`
	Severity   string   `json:"severity,omitempty"`
	Message    string   `json:"message,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	OccurredAt string   `json:"occurred_at"`
}

// NewNotifyEvent stamps OccurredAt with the current time.
func NewNotifyEvent(eventType, customerID string) NotifyEvent {
	return NotifyEvent{
		EventType:  eventType,
		CustomerID: customerID,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}
}

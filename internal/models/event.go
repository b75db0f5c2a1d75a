package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrUnknownEventType is returned when an event type is not part of EventTypes.
var ErrUnknownEventType = errors.New("unknown event type")

// EventType identifies a customer behavior event.
type EventType string

const (
	EventLogin         EventType = "login"
	EventLogout        EventType = "logout"
	EventPurchase      EventType = "purchase"
	EventCartAdd       EventType = "cart_add"
	EventCartAbandon   EventType = "cart_abandon"
	EventPaymentFailed EventType = "payment_failed"
	EventSupportTicket EventType = "support_ticket"
	EventAppCrash      EventType = "app_crash"
	EventPageView      EventType = "page_view"
	EventSearch        EventType = "search"
)

// EventTypes lists every accepted event type.
var EventTypes = []EventType{
	EventLogin, EventLogout, EventPurchase, EventCartAdd, EventCartAbandon,
	EventPaymentFailed, EventSupportTicket, EventAppCrash, EventPageView, EventSearch,
}

// ParseEventType validates s against EventTypes.
func ParseEventType(s string) (EventType, error) {
	for _, t := range EventTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// IsCritical reports whether the event should trigger an immediate anomaly check.
func (t EventType) IsCritical() bool {
	switch t {
	case EventPurchase, EventPaymentFailed, EventSupportTicket, EventCartAbandon, EventAppCrash:
		return true
	}
	return false
}

// Event is an immutable customer behavior fact.
type Event struct {
	ID         string    `json:"id" db:"id"`
	CustomerID string    `json:"customer_id" db:"customer_id"`
	Type       EventType `json:"event_type" db:"event_type"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	Metadata   Metadata  `json:"metadata" db:"metadata"`
	Processed  bool      `json:"processed" db:"processed"`
}

// Metadata is the open-ended, event-type specific payload of an Event
// (for example the purchase amount). It is stored as JSON text.
type Metadata map[string]interface{}

// Float returns the numeric value stored under key. JSON numbers and numeric
// strings are accepted; NaN and infinities are not.
func (m Metadata) Float(key string) (float64, bool) {
	f, ok := m.number(key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (m Metadata) number(key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	*m = out
	return nil
}

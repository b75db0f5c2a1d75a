// Package features turns a customer's event history into the fixed-order
// behavioral vector scored by the outlier model.
package features

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kubilitics/churnwatch/internal/models"
)

const (
	// DefaultWindow is the lookback used for scoring.
	DefaultWindow = 7 * 24 * time.Hour
	// TrainingWindow is the lookback used for model training and baselines.
	TrainingWindow = 30 * 24 * time.Hour

	defaultLoginHour       = 12.0
	defaultSessionDuration = 30.0 // minutes
)

// Names lists the vector components in model order.
var Names = []string{
	"login_frequency",
	"avg_login_hour",
	"purchase_frequency",
	"avg_purchase_amount",
	"avg_session_duration",
	"engagement_frequency",
	"problem_frequency",
	"cart_abandon_frequency",
	"weekend_activity",
	"late_night_activity",
}

// Vector is the behavioral snapshot of one customer over a window.
type Vector struct {
	LoginFrequency       float64 `json:"login_frequency"`
	AvgLoginHour         float64 `json:"avg_login_hour"`
	PurchaseFrequency    float64 `json:"purchase_frequency"`
	AvgPurchaseAmount    float64 `json:"avg_purchase_amount"`
	AvgSessionDuration   float64 `json:"avg_session_duration"` // minutes
	EngagementFrequency  float64 `json:"engagement_frequency"`
	ProblemFrequency     float64 `json:"problem_frequency"`
	CartAbandonFrequency float64 `json:"cart_abandon_frequency"`
	WeekendActivity      float64 `json:"weekend_activity"`    // percent
	LateNightActivity    float64 `json:"late_night_activity"` // percent
}

// Values returns the components in the order of Names.
func (v Vector) Values() []float64 {
	return []float64{
		v.LoginFrequency,
		v.AvgLoginHour,
		v.PurchaseFrequency,
		v.AvgPurchaseAmount,
		v.AvgSessionDuration,
		v.EngagementFrequency,
		v.ProblemFrequency,
		v.CartAbandonFrequency,
		v.WeekendActivity,
		v.LateNightActivity,
	}
}

// Map returns the vector keyed by component name.
func (v Vector) Map() map[string]float64 {
	vals := v.Values()
	m := make(map[string]float64, len(Names))
	for i, name := range Names {
		m[name] = vals[i]
	}
	return m
}

// FromEvents computes the vector for a set of events. Hours and weekdays are
// taken in UTC.
func FromEvents(events []*models.Event) Vector {
	v := Vector{
		AvgLoginHour:       defaultLoginHour,
		AvgSessionDuration: defaultSessionDuration,
	}
	if len(events) == 0 {
		return v
	}

	sorted := make([]*models.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var (
		loginHours   float64
		amounts      float64
		amountCount  int
		sessions     float64
		sessionCount int
		openLogin    *time.Time
		weekendCount int
		lateNight    int
	)

	for _, e := range sorted {
		ts := e.Timestamp.UTC()
		switch e.Type {
		case models.EventLogin:
			v.LoginFrequency++
			loginHours += float64(ts.Hour())
			// An unpaired earlier login is replaced.
			t := ts
			openLogin = &t
		case models.EventLogout:
			if openLogin != nil {
				sessions += ts.Sub(*openLogin).Minutes()
				sessionCount++
				openLogin = nil
			}
		case models.EventPurchase:
			v.PurchaseFrequency++
			if amount, ok := e.Metadata.Float("amount"); ok {
				amounts += amount
				amountCount++
			}
		case models.EventPageView, models.EventSearch, models.EventCartAdd:
			v.EngagementFrequency++
		case models.EventPaymentFailed, models.EventAppCrash, models.EventSupportTicket:
			v.ProblemFrequency++
		case models.EventCartAbandon:
			v.CartAbandonFrequency++
		}

		if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
			weekendCount++
		}
		if h := ts.Hour(); h >= 23 || h < 5 {
			lateNight++
		}
	}

	if v.LoginFrequency > 0 {
		v.AvgLoginHour = loginHours / v.LoginFrequency
	}
	if amountCount > 0 {
		v.AvgPurchaseAmount = amounts / float64(amountCount)
	}
	if sessionCount > 0 {
		v.AvgSessionDuration = sessions / float64(sessionCount)
	}
	total := float64(len(sorted))
	v.WeekendActivity = float64(weekendCount) / total * 100
	v.LateNightActivity = float64(lateNight) / total * 100
	return v
}

// EventReader is the slice of the event log the extractor needs.
type EventReader interface {
	ListEvents(ctx context.Context, customerID string, from, to time.Time) ([]*models.Event, error)
}

// Extractor reads a customer's recent events and builds their Vector.
type Extractor struct {
	events EventReader
	now    func() time.Time
}

// NewExtractor creates an Extractor over the given event log.
func NewExtractor(events EventReader) *Extractor {
	return &Extractor{events: events, now: time.Now}
}

// Extract builds the vector for events in [now-window, now].
func (x *Extractor) Extract(ctx context.Context, customerID string, window time.Duration) (Vector, error) {
	end := x.now().UTC()
	events, err := x.events.ListEvents(ctx, customerID, end.Add(-window), end)
	if err != nil {
		return Vector{}, fmt.Errorf("read events for %s: %w", customerID, err)
	}
	return FromEvents(events), nil
}

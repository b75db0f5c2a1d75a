package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/churnwatch/internal/models"
)

var (
	// ErrNotFound is wrapped with entity context, e.g. "customer <id>: not found".
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update lost a race.
	ErrConflict = errors.New("conflict")
)

// CustomerRepository defines customer data access methods
type CustomerRepository interface {
	CreateCustomer(ctx context.Context, c *models.Customer) error
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	GetCustomerByExternalID(ctx context.Context, externalID string) (*models.Customer, error)
	ListCustomers(ctx context.Context, limit, offset int) ([]*models.Customer, error)
	ListCustomerIDs(ctx context.Context) ([]string, error)
	// ListActiveCustomerIDs returns customers with last_activity or an event at or after since.
	ListActiveCustomerIDs(ctx context.Context, since time.Time) ([]string, error)
	// SampleCustomersWithEvents returns up to limit random customers having at least minEvents events.
	SampleCustomersWithEvents(ctx context.Context, minEvents, limit int) ([]string, error)
	TouchCustomerActivity(ctx context.Context, id string, at time.Time) error
	UpdateCustomerSummary(ctx context.Context, id string, avgDailyLogins, avgWeeklyOrders, avgSessionDuration float64) error
	// ApplyPrediction shifts current churn probability to previous and stores the new prediction.
	ApplyPrediction(ctx context.Context, id string, p models.Prediction, at time.Time) error
}

// EventRepository defines customer event data access methods
type EventRepository interface {
	AppendEvent(ctx context.Context, e *models.Event) error
	// ListEvents returns events in [from, to] ordered by timestamp.
	ListEvents(ctx context.Context, customerID string, from, to time.Time) ([]*models.Event, error)
	MarkEventProcessed(ctx context.Context, id string) error
}

// BaselineRepository defines behavior baseline data access methods
type BaselineRepository interface {
	GetBaseline(ctx context.Context, customerID string) (*models.BehaviorBaseline, error)
	UpsertBaseline(ctx context.Context, b *models.BehaviorBaseline) error
}

// AnomalyAlertRepository defines anomaly alert data access methods
type AnomalyAlertRepository interface {
	// CreateAlertUnlessRecent inserts a unless an alert of the same customer and
	// type was detected at or after since. The check and insert share a transaction.
	CreateAlertUnlessRecent(ctx context.Context, a *models.AnomalyAlert, since time.Time) (bool, error)
	GetAlert(ctx context.Context, id string) (*models.AnomalyAlert, error)
	ListAlerts(ctx context.Context, f models.AlertFilter) ([]*models.AnomalyAlert, error)
	// UpdateAlertStatus persists a's status and timestamps if the stored status is still from.
	UpdateAlertStatus(ctx context.Context, a *models.AnomalyAlert, from models.AlertStatus) error
	MarkAlertEscalated(ctx context.Context, id string, probability float64) error
	DeleteAlertsBefore(ctx context.Context, before time.Time) (int64, error)
}

// WatchlistRepository defines watchlist data access methods
type WatchlistRepository interface {
	// UpsertWatchlistEntry activates or refreshes the single entry for e.CustomerID.
	// created is true when the customer was not actively watched before.
	UpsertWatchlistEntry(ctx context.Context, e *models.WatchlistEntry) (created bool, err error)
	GetActiveWatchlistEntry(ctx context.Context, customerID string) (*models.WatchlistEntry, error)
	ListWatchlist(ctx context.Context, activeOnly bool, limit, offset int) ([]*models.WatchlistEntry, error)
	DeactivateWatchlistEntry(ctx context.Context, customerID string, at time.Time) error
	DeleteInactiveWatchlistBefore(ctx context.Context, before time.Time) (int64, error)
}

// AlertRuleRepository defines churn alert rule data access methods
type AlertRuleRepository interface {
	CreateRule(ctx context.Context, r *models.AlertRule) error
	ListRules(ctx context.Context, activeOnly bool) ([]*models.AlertRule, error)
}

// ChurnAlertRepository defines churn alert data access methods
type ChurnAlertRepository interface {
	CreateChurnAlert(ctx context.Context, a *models.ChurnAlert) error
	GetChurnAlert(ctx context.Context, id string) (*models.ChurnAlert, error)
	ListChurnAlerts(ctx context.Context, status models.ChurnAlertStatus, customerID string, limit, offset int) ([]*models.ChurnAlert, error)
	UpdateChurnAlertStatus(ctx context.Context, a *models.ChurnAlert, from models.ChurnAlertStatus) error
	MarkChurnAlertNotified(ctx context.Context, id string, emailSent bool, at time.Time) error
	// CustomersWithActiveChurnAlertSince lists customers with an active churn alert created at or after since.
	CustomersWithActiveChurnAlertSince(ctx context.Context, since time.Time) ([]string, error)
}

// Store aggregates all repositories
type Store interface {
	CustomerRepository
	EventRepository
	BaselineRepository
	AnomalyAlertRepository
	WatchlistRepository
	AlertRuleRepository
	ChurnAlertRepository
	Ping(ctx context.Context) error
	Close() error
}

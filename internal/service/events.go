package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/tasks"
)

// EventStore is the persistence the event service needs.
type EventStore interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	AppendEvent(ctx context.Context, e *models.Event) error
	TouchCustomerActivity(ctx context.Context, id string, at time.Time) error
	MarkEventProcessed(ctx context.Context, id string) error
}

// DetectSubmitter queues anomaly detection for a customer.
type DetectSubmitter interface {
	SubmitDetect(customerID string) error
}

// EventService ingests customer events.
type EventService struct {
	store  EventStore
	detect DetectSubmitter
	tasks  Submitter
	retry  RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

// NewEventService creates an EventService. retry applies to queued
// process_event tasks and defaults to 3 retries with a 60s backoff.
func NewEventService(store EventStore, detect DetectSubmitter, submitter Submitter, retry RetryPolicy, logger *zap.Logger) *EventService {
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = 3
	}
	if retry.Backoff <= 0 {
		retry.Backoff = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventService{
		store:  store,
		detect: detect,
		tasks:  submitter,
		retry:  retry,
		logger: logger.Named("events"),
		now:    time.Now,
	}
}

// ProcessEvent validates and stores an event, refreshes the customer's last
// activity and queues anomaly detection for critical event types.
func (s *EventService) ProcessEvent(ctx context.Context, customerID, eventType string, metadata models.Metadata) (*models.Event, error) {
	e, err := s.newEvent(customerID, eventType, metadata)
	if err != nil {
		return nil, err
	}
	if err := s.record(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// EnqueueEvent validates eventType and queues ProcessEvent as a process_event
// task. The event ID and timestamp are fixed here so every retry writes the
// same row.
func (s *EventService) EnqueueEvent(customerID, eventType string, metadata models.Metadata) error {
	e, err := s.newEvent(customerID, eventType, metadata)
	if err != nil {
		return err
	}
	return s.tasks.Submit(tasks.Task{
		Name:       TaskProcessEvent,
		MaxRetries: s.retry.MaxRetries,
		Backoff:    s.retry.Backoff,
		Run: func(ctx context.Context) tasks.Result {
			if err := s.record(ctx, e); err != nil {
				return classify(err)
			}
			return tasks.Ok(e)
		},
	})
}

func (s *EventService) newEvent(customerID, eventType string, metadata models.Metadata) (*models.Event, error) {
	et, err := models.ParseEventType(eventType)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = models.Metadata{}
	}
	return &models.Event{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Type:       et,
		Timestamp:  s.now(),
		Metadata:   metadata,
	}, nil
}

// record persists e. Only the customer lookup and the insert can fail it;
// the follow-up bookkeeping is logged.
func (s *EventService) record(ctx context.Context, e *models.Event) error {
	if _, err := s.store.GetCustomer(ctx, e.CustomerID); err != nil {
		return err
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	s.logger.Debug("created event", zap.String("event_id", e.ID), zap.String("customer_id", e.CustomerID), zap.String("event_type", string(e.Type)))

	if e.Type.IsCritical() && s.detect != nil {
		if err := s.detect.SubmitDetect(e.CustomerID); err != nil {
			s.logger.Error("failed to queue anomaly detection", zap.String("customer_id", e.CustomerID), zap.Error(err))
		} else if err := s.store.MarkEventProcessed(ctx, e.ID); err != nil {
			s.logger.Warn("failed to mark event processed", zap.String("event_id", e.ID), zap.Error(err))
		} else {
			e.Processed = true
		}
	}

	if err := s.store.TouchCustomerActivity(ctx, e.CustomerID, e.Timestamp); err != nil {
		s.logger.Warn("failed to update last activity", zap.String("customer_id", e.CustomerID), zap.Error(err))
	}
	return nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/churnwatch/internal/models"
)

// AppendEvent inserts e. Inserting an ID that already exists is a no-op, so
// a retried task does not store its event twice.
func (r *SQLRepository) AppendEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = utc(e.Timestamp)
	if e.Metadata == nil {
		e.Metadata = models.Metadata{}
	}

	query := `
		INSERT INTO customer_events (id, customer_id, event_type, timestamp, metadata, processed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`
	err := instrumentQuery("append_event", func() error {
		_, err := r.db.ExecContext(ctx, r.q(query), e.ID, e.CustomerID, string(e.Type), e.Timestamp, e.Metadata, e.Processed)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *SQLRepository) ListEvents(ctx context.Context, customerID string, from, to time.Time) ([]*models.Event, error) {
	var events []*models.Event
	query := `
		SELECT * FROM customer_events
		WHERE customer_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp, id
	`
	err := instrumentQuery("list_events", func() error {
		return r.db.SelectContext(ctx, &events, r.q(query), customerID, utc(from), utc(to))
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (r *SQLRepository) MarkEventProcessed(ctx context.Context, id string) error {
	return r.execOne(ctx, "event", id, `UPDATE customer_events SET processed = ? WHERE id = ?`, true, id)
}

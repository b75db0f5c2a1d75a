package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/churnwatch/internal/models"
)

func (r *SQLRepository) UpsertWatchlistEntry(ctx context.Context, e *models.WatchlistEntry) (bool, error) {
	now := time.Now().UTC()
	if e.AnomalyContext == nil {
		e.AnomalyContext = models.JSONMap{}
	}

	created := false
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var active bool
		err := tx.GetContext(ctx, &active, tx.Rebind(`SELECT is_active FROM watchlist_entries WHERE customer_id = ?`), e.CustomerID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
		case err != nil:
			return fmt.Errorf("read watchlist entry: %w", err)
		default:
			created = !active
		}

		// A reactivated entry restarts its added_at; an active one keeps it.
		upsert := `
			INSERT INTO watchlist_entries (id, customer_id, churn_probability, risk_level, anomaly_context,
				is_active, added_at, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (customer_id) DO UPDATE SET
				churn_probability = excluded.churn_probability,
				risk_level = excluded.risk_level,
				anomaly_context = excluded.anomaly_context,
				added_at = CASE WHEN watchlist_entries.is_active THEN watchlist_entries.added_at ELSE excluded.added_at END,
				is_active = excluded.is_active,
				last_updated = excluded.last_updated
		`
		if _, err := tx.ExecContext(ctx, tx.Rebind(upsert),
			uuid.New().String(), e.CustomerID, e.ChurnProbability, string(e.RiskLevel), e.AnomalyContext,
			true, now, now,
		); err != nil {
			return fmt.Errorf("upsert watchlist entry: %w", err)
		}

		var stored models.WatchlistEntry
		if err := tx.GetContext(ctx, &stored, tx.Rebind(`SELECT * FROM watchlist_entries WHERE customer_id = ?`), e.CustomerID); err != nil {
			return fmt.Errorf("reload watchlist entry: %w", err)
		}
		*e = stored
		return nil
	})
	return created, err
}

func (r *SQLRepository) GetActiveWatchlistEntry(ctx context.Context, customerID string) (*models.WatchlistEntry, error) {
	var e models.WatchlistEntry
	query := `SELECT * FROM watchlist_entries WHERE customer_id = ? AND is_active = ?`
	if err := r.db.GetContext(ctx, &e, r.q(query), customerID, true); err != nil {
		return nil, notFound(err, "watchlist entry for customer", customerID)
	}
	return &e, nil
}

func (r *SQLRepository) ListWatchlist(ctx context.Context, activeOnly bool, limit, offset int) ([]*models.WatchlistEntry, error) {
	query := `SELECT * FROM watchlist_entries`
	var args []interface{}
	if activeOnly {
		query += ` WHERE is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY last_updated DESC, id LIMIT ? OFFSET ?`
	args = append(args, clampLimit(limit, 50, 500), max(offset, 0))

	var entries []*models.WatchlistEntry
	if err := r.db.SelectContext(ctx, &entries, r.q(query), args...); err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	if err := r.attachCustomers(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// attachCustomers loads the customer record for each entry in one query.
func (r *SQLRepository) attachCustomers(ctx context.Context, entries []*models.WatchlistEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.CustomerID)
	}
	query, args, err := sqlx.In(`SELECT * FROM customers WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("build customer lookup: %w", err)
	}
	var customers []*models.Customer
	if err := r.db.SelectContext(ctx, &customers, r.q(query), args...); err != nil {
		return fmt.Errorf("load watchlist customers: %w", err)
	}
	byID := make(map[string]*models.Customer, len(customers))
	for _, c := range customers {
		byID[c.ID] = c
	}
	for _, e := range entries {
		e.Customer = byID[e.CustomerID]
	}
	return nil
}

func (r *SQLRepository) DeactivateWatchlistEntry(ctx context.Context, customerID string, at time.Time) error {
	query := `UPDATE watchlist_entries SET is_active = ?, last_updated = ? WHERE customer_id = ? AND is_active = ?`
	res, err := r.db.ExecContext(ctx, r.q(query), false, utc(at), customerID, true)
	if err != nil {
		return fmt.Errorf("deactivate watchlist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate watchlist entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("watchlist entry for customer %s: %w", customerID, ErrNotFound)
	}
	return nil
}

func (r *SQLRepository) DeleteInactiveWatchlistBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM watchlist_entries WHERE is_active = ? AND last_updated < ?`
	res, err := r.db.ExecContext(ctx, r.q(query), false, utc(before))
	if err != nil {
		return 0, fmt.Errorf("delete inactive watchlist entries: %w", err)
	}
	return res.RowsAffected()
}

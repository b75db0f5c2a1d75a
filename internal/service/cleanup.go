package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/pkg/metrics"
)

// RetentionStore deletes expired rows.
type RetentionStore interface {
	DeleteAlertsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteInactiveWatchlistBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupSummary reports a retention sweep.
type CleanupSummary struct {
	AlertsDeleted    int64 `json:"alerts_deleted"`
	WatchlistDeleted int64 `json:"watchlist_deleted"`
}

// CleanupService handles the retention sweep
type CleanupService struct {
	repo               RetentionStore
	alertRetention     time.Duration
	watchlistRetention time.Duration
	log                *zap.Logger
	now                func() time.Time
}

// NewCleanupService creates a new cleanup service. Zero retention windows
// default to 30 days for alerts and 7 days for inactive watchlist entries.
func NewCleanupService(repo RetentionStore, alertRetention, watchlistRetention time.Duration, log *zap.Logger) *CleanupService {
	if alertRetention <= 0 {
		alertRetention = 30 * 24 * time.Hour
	}
	if watchlistRetention <= 0 {
		watchlistRetention = 7 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CleanupService{
		repo:               repo,
		alertRetention:     alertRetention,
		watchlistRetention: watchlistRetention,
		log:                log.Named("cleanup"),
		now:                time.Now,
	}
}

// Run deletes anomaly alerts and inactive watchlist entries past retention.
func (s *CleanupService) Run(ctx context.Context) (CleanupSummary, error) {
	var sum CleanupSummary
	start := time.Now()
	now := s.now()

	alerts, err := s.repo.DeleteAlertsBefore(ctx, now.Add(-s.alertRetention))
	if err != nil {
		s.log.Error("alert cleanup failed", zap.Error(err))
		return sum, fmt.Errorf("delete old alerts: %w", err)
	}
	sum.AlertsDeleted = alerts
	metrics.CleanupDeletedTotal.WithLabelValues("anomaly_alerts").Add(float64(alerts))

	watch, err := s.repo.DeleteInactiveWatchlistBefore(ctx, now.Add(-s.watchlistRetention))
	if err != nil {
		s.log.Error("watchlist cleanup failed", zap.Error(err))
		return sum, fmt.Errorf("delete inactive watchlist entries: %w", err)
	}
	sum.WatchlistDeleted = watch
	metrics.CleanupDeletedTotal.WithLabelValues("watchlist_entries").Add(float64(watch))

	s.log.Info("cleanup completed",
		zap.Int64("alerts_deleted", sum.AlertsDeleted),
		zap.Int64("watchlist_deleted", sum.WatchlistDeleted),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return sum, nil
}

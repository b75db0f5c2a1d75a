package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/churnwatch/internal/models"
)

// refreshConcurrency bounds the customers refreshed at once.
const refreshConcurrency = 4

// BaselineRefresher recomputes one customer's baseline.
type BaselineRefresher interface {
	RefreshBaseline(ctx context.Context, customerID string) (*models.BehaviorBaseline, error)
}

// CustomerLister lists every customer id.
type CustomerLister interface {
	ListCustomerIDs(ctx context.Context) ([]string, error)
}

// RefreshSummary reports a baseline refresh sweep.
type RefreshSummary struct {
	Total     int `json:"total"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// BaselineService recomputes behavior baselines for the whole population.
type BaselineService struct {
	customers CustomerLister
	refresher BaselineRefresher
	logger    *zap.Logger
}

// NewBaselineService creates a BaselineService.
func NewBaselineService(customers CustomerLister, refresher BaselineRefresher, logger *zap.Logger) *BaselineService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaselineService{
		customers: customers,
		refresher: refresher,
		logger:    logger.Named("baselines"),
	}
}

// RefreshAll recomputes every customer's baseline. Per-customer failures are
// logged and skipped. onProgress, if set, is called after each customer with
// the number finished so far.
func (s *BaselineService) RefreshAll(ctx context.Context, onProgress func(done, total int)) (RefreshSummary, error) {
	var sum RefreshSummary
	ids, err := s.customers.ListCustomerIDs(ctx)
	if err != nil {
		return sum, fmt.Errorf("list customers: %w", err)
	}
	sum.Total = len(ids)
	s.logger.Info("refreshing behavior baselines", zap.Int("customers", sum.Total))

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(refreshConcurrency)
	for _, id := range ids {
		id := id
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			_, refreshErr := s.refresher.RefreshBaseline(groupCtx, id)

			mu.Lock()
			defer mu.Unlock()
			if refreshErr != nil {
				sum.Failed++
				s.logger.Error("failed to refresh baseline", zap.String("customer_id", id), zap.Error(refreshErr))
			} else {
				sum.Refreshed++
			}
			if onProgress != nil {
				onProgress(sum.Refreshed+sum.Failed, sum.Total)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return sum, err
	}

	s.logger.Info("baseline refresh completed", zap.Int("refreshed", sum.Refreshed), zap.Int("failed", sum.Failed))
	return sum, nil
}

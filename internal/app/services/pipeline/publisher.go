package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// Publisher persists a pool's result set and finalizes its orders. The write
// order is deliberate: result set first, then member orders, then the pool.
// A crash mid-publication leaves the pool PROCESSING, which the staleness
// recovery path re-runs; it can never leave a COMPLETED pool with unsettled
// orders.
type Publisher struct {
	orders  storage.OrderStore
	pools   storage.PoolStore
	results storage.ResultStore
	metrics *Metrics
	log     *logger.Logger
}

// NewPublisher creates the result publisher stage.
func NewPublisher(orders storage.OrderStore, pools storage.PoolStore, results storage.ResultStore, metrics *Metrics, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewDefault("result-publisher")
	}
	return &Publisher{
		orders:  orders,
		pools:   pools,
		results: results,
		metrics: metrics,
		log:     log,
	}
}

// Publish persists the outcomes for a PROCESSING pool and transitions it to
// COMPLETED. Publishing the same pool again overwrites the stored result set
// with a higher version rather than duplicating it.
func (pub *Publisher) Publish(ctx context.Context, p pool.Pool, outcomes []pool.Outcome) (pool.ResultSet, error) {
	var rs pool.ResultSet
	operation := func() error {
		var err error
		rs, err = pub.results.PutResultSet(ctx, p.ID, outcomes)
		return err
	}
	if err := backoff.Retry(operation, transientRetry(ctx)); err != nil {
		return pool.ResultSet{}, fmt.Errorf("persist result set for pool %s: %w", p.ID, err)
	}

	for _, outcome := range outcomes {
		if err := pub.settleOrder(ctx, outcome.OrderID); err != nil {
			return pool.ResultSet{}, fmt.Errorf("settle order %s: %w", outcome.OrderID, err)
		}
	}

	completed, err := pub.pools.TransitionPool(ctx, p.ID, pool.StateProcessing, pool.StateCompleted, "")
	if err != nil {
		return pool.ResultSet{}, fmt.Errorf("complete pool %s: %w", p.ID, err)
	}

	if pub.metrics != nil {
		pub.metrics.PoolsComplete.Inc()
	}
	pub.log.WithField("pool_id", completed.ID).
		WithField("batching_key", completed.BatchingKey).
		WithField("version", rs.Version).
		WithField("outcomes", len(rs.Outcomes)).
		Info("result set published")
	return rs, nil
}

// settleOrder moves one order ASSIGNED->SETTLED. An order already SETTLED is
// fine: that happens when a crashed publication is re-run.
func (pub *Publisher) settleOrder(ctx context.Context, orderID string) error {
	operation := func() error {
		_, err := pub.orders.TransitionOrder(ctx, orderID, order.StateAssigned, order.StateSettled, "")
		if err == nil {
			if pub.metrics != nil {
				pub.metrics.OrdersSettled.Inc()
			}
			return nil
		}
		if errors.Is(err, storage.ErrConflict) {
			existing, getErr := pub.orders.GetOrder(ctx, orderID)
			if getErr != nil {
				return backoff.Permanent(getErr)
			}
			if existing.State == order.StateSettled {
				return nil
			}
			return backoff.Permanent(fmt.Errorf("order %s is %s, cannot settle", orderID, existing.State))
		}
		return err
	}
	return backoff.Retry(operation, transientRetry(ctx))
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// Processor drives LOCKED pools through the algorithm and hands successful
// results to the publisher. Pools are independent once locked, so they are
// processed concurrently up to the configured worker bound; pools sharing a
// batching key are processed one at a time.
type Processor struct {
	orders    storage.OrderStore
	pools     storage.PoolStore
	publisher *Publisher
	algo      Algorithm
	cfg       Config
	metrics   *Metrics
	log       *logger.Logger
	now       func() time.Time
}

// NewProcessor creates the pool processor stage.
func NewProcessor(orders storage.OrderStore, pools storage.PoolStore, publisher *Publisher, algo Algorithm, cfg Config, metrics *Metrics, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewDefault("pool-processor")
	}
	if algo == nil {
		algo = FIFOFill{}
	}
	return &Processor{
		orders:    orders,
		pools:     pools,
		publisher: publisher,
		algo:      algo,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

// Process runs one processor pass: recover stale PROCESSING pools, then run
// the algorithm over every LOCKED pool. An error in one pool never aborts
// the others.
func (pr *Processor) Process(ctx context.Context) error {
	if err := pr.recoverStale(ctx); err != nil {
		pr.log.WithError(err).Warn("stale pool recovery failed")
	}

	locked, err := pr.pools.ListPoolsByState(ctx, pool.StateLocked)
	if err != nil {
		return fmt.Errorf("list locked pools: %w", err)
	}
	if len(locked) == 0 {
		return nil
	}

	// Group by batching key: pools within a key run sequentially so at most
	// one pool per key is PROCESSING, keys run concurrently.
	byKey := make(map[string][]pool.Pool)
	var keys []string
	for _, p := range locked {
		if _, ok := byKey[p.BatchingKey]; !ok {
			keys = append(keys, p.BatchingKey)
		}
		byKey[p.BatchingKey] = append(byKey[p.BatchingKey], p)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(pr.cfg.Workers)
	for _, key := range keys {
		pools := byKey[key]
		g.Go(func() error {
			for _, p := range pools {
				pr.processOne(groupCtx, p)
			}
			return nil
		})
	}
	return g.Wait()
}

// recoverStale re-locks PROCESSING pools whose attempt started before the
// staleness cutoff. The algorithm is deterministic, so re-running from
// scratch is safe; this is the pipeline's only automatic retry path.
func (pr *Processor) recoverStale(ctx context.Context) error {
	cutoff := pr.now().Add(-pr.cfg.Staleness)
	stale, err := pr.pools.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale processing pools: %w", err)
	}

	for _, p := range stale {
		if _, err := pr.pools.TransitionPool(ctx, p.ID, pool.StateProcessing, pool.StateLocked, ""); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			pr.log.WithError(err).WithField("pool_id", p.ID).Warn("recover stale pool failed")
			continue
		}
		if pr.metrics != nil {
			pr.metrics.PoolsRecover.Inc()
		}
		pr.log.WithField("pool_id", p.ID).
			WithField("batching_key", p.BatchingKey).
			WithField("processing_since", p.ProcessingAt).
			Warn("stale processing pool recovered, re-running")
	}
	return nil
}

func (pr *Processor) processOne(ctx context.Context, p pool.Pool) {
	log := pr.log.WithField("pool_id", p.ID).WithField("batching_key", p.BatchingKey)

	// Another instance processing this key is expected coordination, not an
	// error: skip and let a later pass pick the pool up.
	busy, err := pr.pools.HasProcessingForKey(ctx, p.BatchingKey)
	if err != nil {
		log.WithError(err).Warn("processing-key check failed")
		return
	}
	if busy {
		log.Debug("batching key already processing, skipping pool")
		return
	}

	claimed, err := pr.pools.TransitionPool(ctx, p.ID, pool.StateLocked, pool.StateProcessing, "")
	if err != nil {
		// ErrDuplicate is the unique-index form of the same race: another
		// instance moved a pool for this key into PROCESSING first.
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrDuplicate) {
			log.Debug("pool taken by another instance, skipping")
			return
		}
		log.WithError(err).Warn("transition pool to processing failed")
		return
	}

	members, err := pr.loadMembers(ctx, claimed.ID)
	if err != nil {
		// Leave the pool PROCESSING: the staleness recovery path re-runs it.
		log.WithError(err).Warn("load pool members failed, recovery will retry")
		return
	}

	outcomes, err := pr.algo.Run(ctx, claimed, members)
	if err != nil {
		pr.failPool(ctx, claimed, members, err)
		return
	}

	if _, err := pr.publisher.Publish(ctx, claimed, outcomes); err != nil {
		log.WithError(err).Warn("publish results failed, recovery will retry")
	}
}

func (pr *Processor) loadMembers(ctx context.Context, poolID string) ([]order.Order, error) {
	var members []order.Order
	operation := func() error {
		var err error
		members, err = pr.orders.ListPoolOrders(ctx, poolID)
		return err
	}
	if err := backoff.Retry(operation, transientRetry(ctx)); err != nil {
		return nil, err
	}
	return members, nil
}

// failPool marks a pool and all its members terminally FAILED after an
// algorithm failure. FAILED pools are never re-run automatically; a poison
// batch must not loop forever.
func (pr *Processor) failPool(ctx context.Context, p pool.Pool, members []order.Order, cause error) {
	log := pr.log.WithField("pool_id", p.ID).WithField("batching_key", p.BatchingKey)
	log.WithError(cause).Error("algorithm failed, failing pool")

	note := fmt.Sprintf("algorithm %s: %v", pr.algo.Name(), cause)
	if _, err := pr.pools.TransitionPool(ctx, p.ID, pool.StateProcessing, pool.StateFailed, note); err != nil {
		log.WithError(err).Warn("mark pool failed")
		return
	}
	if pr.metrics != nil {
		pr.metrics.PoolsFailed.Inc()
	}

	for _, member := range members {
		if _, err := pr.orders.TransitionOrder(ctx, member.ID, order.StateAssigned, order.StateFailed, note); err != nil {
			log.WithError(err).WithField("order_id", member.ID).Warn("mark order failed")
			continue
		}
		if pr.metrics != nil {
			pr.metrics.OrdersFailed.Inc()
		}
	}
}

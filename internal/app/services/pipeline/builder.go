package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// Config holds the pipeline tunables shared by the stages.
type Config struct {
	// MaxMembers locks a pool once it reaches this many orders.
	MaxMembers int
	// MaxAge locks a pool once it has been open this long, regardless of
	// member count. Bounds the worst-case latency of any single order.
	MaxAge time.Duration
	// Staleness is how long a pool may sit in PROCESSING before it is
	// presumed crashed and recovered.
	Staleness time.Duration
	// Workers bounds concurrent pool processing within one pass.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.MaxMembers <= 0 {
		c.MaxMembers = 100
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Minute
	}
	if c.Staleness <= 0 {
		c.Staleness = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// transientRetry returns the bounded retry policy for store operations that
// may fail transiently. Conflicts are never retried; they are decisions, not
// faults.
func transientRetry(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx)
}

// Builder assigns pending orders into open pools and locks pools that have
// become eligible for processing.
type Builder struct {
	orders  storage.OrderStore
	pools   storage.PoolStore
	cfg     Config
	metrics *Metrics
	log     *logger.Logger
	now     func() time.Time
}

// NewBuilder creates the pool builder stage.
func NewBuilder(orders storage.OrderStore, pools storage.PoolStore, cfg Config, metrics *Metrics, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewDefault("pool-builder")
	}
	return &Builder{
		orders:  orders,
		pools:   pools,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// Build runs one builder pass: claim pending orders into open pools, then
// lock every pool that reached its member or age threshold. A claim that
// fails leaves the order PENDING for the next pass; it is never dropped.
func (b *Builder) Build(ctx context.Context) error {
	pending, err := b.orders.ListPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}

	if len(pending) > 0 {
		groups, keys := groupByKey(pending)
		for _, key := range keys {
			if err := b.assignGroup(ctx, key, groups[key]); err != nil {
				// One key's failure must not starve the others.
				b.log.WithError(err).WithField("batching_key", key).Warn("assign group failed")
			}
		}
	}

	return b.lockEligible(ctx)
}

func (b *Builder) assignGroup(ctx context.Context, key string, members []order.Order) error {
	current, err := b.openPoolForKey(ctx, key)
	if err != nil {
		return err
	}
	filled := current.MemberCount

	for _, o := range members {
		if filled >= b.cfg.MaxMembers {
			// Pool is full: freeze it now and continue into a fresh one.
			if _, err := b.lockPool(ctx, current); err != nil && !errors.Is(err, storage.ErrConflict) {
				return err
			}
			if current, err = b.openPoolForKey(ctx, key); err != nil {
				return err
			}
			filled = current.MemberCount
		}

		claimed, err := b.claimOrder(ctx, o.ID, current.ID)
		if errors.Is(err, storage.ErrConflict) {
			// Another instance claimed the order or locked the pool;
			// whatever is left PENDING is picked up next pass.
			b.log.WithField("order_id", o.ID).Debug("claim conflict, deferring order")
			if current, err = b.openPoolForKey(ctx, key); err != nil {
				return err
			}
			filled = current.MemberCount
			continue
		}
		if err != nil {
			b.log.WithError(err).WithField("order_id", o.ID).Warn("claim order failed, order stays pending")
			continue
		}
		// The store assigns the sequence from the pool's member count, so the
		// claimed sequence is also the pool's fill level.
		filled = int(claimed.Sequence)
		if b.metrics != nil {
			b.metrics.OrdersClaimed.Inc()
		}
	}
	return nil
}

// openPoolForKey finds the OPEN pool for a batching key or creates one.
func (b *Builder) openPoolForKey(ctx context.Context, key string) (pool.Pool, error) {
	existing, err := b.pools.FindOpenPool(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return pool.Pool{}, fmt.Errorf("find open pool for %q: %w", key, err)
	}

	created, err := b.pools.CreatePool(ctx, pool.Pool{
		BatchingKey: key,
		State:       pool.StateOpen,
	})
	if err != nil {
		return pool.Pool{}, fmt.Errorf("create pool for %q: %w", key, err)
	}
	if b.metrics != nil {
		b.metrics.PoolsBuilt.Inc()
	}
	b.log.WithField("pool_id", created.ID).
		WithField("batching_key", key).
		Info("pool created")
	return created, nil
}

func (b *Builder) claimOrder(ctx context.Context, orderID, poolID string) (order.Order, error) {
	var claimed order.Order
	operation := func() error {
		var err error
		claimed, err = b.orders.ClaimOrder(ctx, orderID, poolID)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, transientRetry(ctx)); err != nil {
		return order.Order{}, err
	}
	return claimed, nil
}

// lockEligible freezes every OPEN pool that reached its member count or age
// threshold. Empty pools are left open; there is nothing to process.
func (b *Builder) lockEligible(ctx context.Context) error {
	open, err := b.pools.ListPoolsByState(ctx, pool.StateOpen)
	if err != nil {
		return fmt.Errorf("list open pools: %w", err)
	}

	now := b.now()
	for _, p := range open {
		if p.MemberCount == 0 {
			continue
		}
		full := p.MemberCount >= b.cfg.MaxMembers
		aged := now.Sub(p.CreatedAt) >= b.cfg.MaxAge
		if !full && !aged {
			continue
		}
		if _, err := b.lockPool(ctx, p); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			b.log.WithError(err).WithField("pool_id", p.ID).Warn("lock pool failed")
		}
	}
	return nil
}

func (b *Builder) lockPool(ctx context.Context, p pool.Pool) (pool.Pool, error) {
	locked, err := b.pools.TransitionPool(ctx, p.ID, pool.StateOpen, pool.StateLocked, "")
	if err != nil {
		return pool.Pool{}, err
	}
	if b.metrics != nil {
		b.metrics.PoolsLocked.Inc()
	}
	b.log.WithField("pool_id", p.ID).
		WithField("batching_key", p.BatchingKey).
		WithField("members", locked.MemberCount).
		Info("pool locked")
	return locked, nil
}

func groupByKey(orders []order.Order) (map[string][]order.Order, []string) {
	groups := make(map[string][]order.Order)
	var keys []string
	for _, o := range orders {
		if _, ok := groups[o.BatchingKey]; !ok {
			keys = append(keys, o.BatchingKey)
		}
		groups[o.BatchingKey] = append(groups[o.BatchingKey], o)
	}
	return groups, keys
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/internal/app/storage/memory"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// lockedPool builds and locks a pool with n member orders.
func lockedPool(t *testing.T, store *memory.Store, key string, n int) (pool.Pool, []order.Order) {
	t.Helper()
	ctx := context.Background()

	builder := NewBuilder(store, store, Config{MaxMembers: n, MaxAge: time.Hour}, nil, logger.NewNop())
	submitted := submitOrders(t, store, key, n)
	if err := builder.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	o, err := store.GetOrder(ctx, submitted[0].ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	p, err := store.GetPool(ctx, o.PoolID)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if p.State != pool.StateLocked {
		t.Fatalf("pool state = %s, want %s", p.State, pool.StateLocked)
	}

	members, err := store.ListPoolOrders(ctx, p.ID)
	if err != nil {
		t.Fatalf("list pool orders: %v", err)
	}
	return p, members
}

func TestProcessorCompletesLockedPool(t *testing.T) {
	store := memory.New()
	publisher := NewPublisher(store, store, store, nil, logger.NewNop())
	processor := NewProcessor(store, store, publisher, nil, Config{}, nil, logger.NewNop())

	p, members := lockedPool(t, store, "alpha", 3)

	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := store.GetPool(context.Background(), p.ID)
	if got.State != pool.StateCompleted {
		t.Fatalf("pool state = %s, want %s", got.State, pool.StateCompleted)
	}

	rs, err := store.GetResultSet(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get result set: %v", err)
	}
	if rs.Version != 1 {
		t.Fatalf("result version = %d, want 1", rs.Version)
	}
	if len(rs.Outcomes) != len(members) {
		t.Fatalf("outcomes = %d, want %d", len(rs.Outcomes), len(members))
	}
	for i, outcome := range rs.Outcomes {
		if outcome.OrderID != members[i].ID {
			t.Fatalf("outcome %d is for order %s, want %s", i, outcome.OrderID, members[i].ID)
		}
		if outcome.Status != "filled" {
			t.Fatalf("outcome %d status = %s, want filled", i, outcome.Status)
		}
	}

	for _, member := range members {
		o, _ := store.GetOrder(context.Background(), member.ID)
		if o.State != order.StateSettled {
			t.Fatalf("order %s state = %s, want %s", member.ID, o.State, order.StateSettled)
		}
	}
}

func TestProcessorFailsPoolOnAlgorithmError(t *testing.T) {
	store := memory.New()
	publisher := NewPublisher(store, store, store, nil, logger.NewNop())
	boom := AlgorithmFunc{
		AlgoName: "boom",
		Fn: func(context.Context, pool.Pool, []order.Order) ([]pool.Outcome, error) {
			return nil, errors.New("cannot price batch")
		},
	}
	processor := NewProcessor(store, store, publisher, boom, Config{}, nil, logger.NewNop())

	p, members := lockedPool(t, store, "alpha", 2)

	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := store.GetPool(context.Background(), p.ID)
	if got.State != pool.StateFailed {
		t.Fatalf("pool state = %s, want %s", got.State, pool.StateFailed)
	}
	if got.FailureNote == "" {
		t.Fatal("failed pool has no failure note")
	}

	if _, err := store.GetResultSet(context.Background(), p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("result set for failed pool: err = %v, want ErrNotFound", err)
	}

	for _, member := range members {
		o, _ := store.GetOrder(context.Background(), member.ID)
		if o.State != order.StateFailed {
			t.Fatalf("order %s state = %s, want %s", member.ID, o.State, order.StateFailed)
		}
		if o.FailureNote == "" {
			t.Fatalf("order %s has no failure note", member.ID)
		}
	}

	// A FAILED pool is terminal: further passes must not resurrect it.
	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("second process: %v", err)
	}
	got, _ = store.GetPool(context.Background(), p.ID)
	if got.State != pool.StateFailed {
		t.Fatalf("pool state after rerun = %s, want %s", got.State, pool.StateFailed)
	}
}

func TestProcessorRecoversStaleProcessingPool(t *testing.T) {
	store := memory.New()
	publisher := NewPublisher(store, store, store, nil, logger.NewNop())
	processor := NewProcessor(store, store, publisher, nil, Config{Staleness: time.Minute}, nil, logger.NewNop())

	p, _ := lockedPool(t, store, "alpha", 2)

	// Simulate a crashed attempt that left the pool PROCESSING.
	if _, err := store.TransitionPool(context.Background(), p.ID, pool.StateLocked, pool.StateProcessing, ""); err != nil {
		t.Fatalf("transition to processing: %v", err)
	}

	// Fresh attempts are not recovered.
	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := store.GetPool(context.Background(), p.ID)
	if got.State != pool.StateProcessing {
		t.Fatalf("fresh processing pool state = %s, want %s", got.State, pool.StateProcessing)
	}

	// Past the staleness threshold the pool is re-run to completion.
	processor.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("recovery process: %v", err)
	}
	got, _ = store.GetPool(context.Background(), p.ID)
	if got.State != pool.StateCompleted {
		t.Fatalf("recovered pool state = %s, want %s", got.State, pool.StateCompleted)
	}
}

func TestProcessorSkipsKeyAlreadyProcessing(t *testing.T) {
	store := memory.New()
	publisher := NewPublisher(store, store, store, nil, logger.NewNop())
	processor := NewProcessor(store, store, publisher, nil, Config{Staleness: time.Hour}, nil, logger.NewNop())

	p, _ := lockedPool(t, store, "alpha", 2)

	// Another pool for the same key is mid-flight on another instance.
	other, err := store.CreatePool(context.Background(), pool.Pool{BatchingKey: "alpha", State: pool.StateOpen})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	if _, err := store.TransitionPool(context.Background(), other.ID, pool.StateOpen, pool.StateLocked, ""); err != nil {
		t.Fatalf("lock other pool: %v", err)
	}
	if _, err := store.TransitionPool(context.Background(), other.ID, pool.StateLocked, pool.StateProcessing, ""); err != nil {
		t.Fatalf("start other pool: %v", err)
	}

	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := store.GetPool(context.Background(), p.ID)
	if got.State != pool.StateLocked {
		t.Fatalf("pool state = %s, want %s (key busy)", got.State, pool.StateLocked)
	}
}

// dupProcessingPools simulates the database rejecting a second PROCESSING
// pool for a batching key: the claim surfaces as ErrDuplicate rather than the
// compare-and-set ErrConflict.
type dupProcessingPools struct {
	*memory.Store
}

func (s *dupProcessingPools) TransitionPool(ctx context.Context, id string, from, to pool.State, note string) (pool.Pool, error) {
	if to == pool.StateProcessing {
		return pool.Pool{}, fmt.Errorf("pool %s: %w", id, storage.ErrDuplicate)
	}
	return s.Store.TransitionPool(ctx, id, from, to, note)
}

func TestProcessorSkipsPoolOnDuplicateProcessingClaim(t *testing.T) {
	store := memory.New()
	pools := &dupProcessingPools{Store: store}
	publisher := NewPublisher(store, pools, store, nil, logger.NewNop())
	processor := NewProcessor(store, pools, publisher, nil, Config{Staleness: time.Hour}, nil, logger.NewNop())

	p, members := lockedPool(t, store, "alpha", 2)

	// Losing the claim is coordination, not a fault: the pass succeeds and
	// the pool stays LOCKED for a later pass.
	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := store.GetPool(context.Background(), p.ID)
	if got.State != pool.StateLocked {
		t.Fatalf("pool state = %s, want %s", got.State, pool.StateLocked)
	}
	if _, err := store.GetResultSet(context.Background(), p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("result set for skipped pool: err = %v, want ErrNotFound", err)
	}
	for _, member := range members {
		o, _ := store.GetOrder(context.Background(), member.ID)
		if o.State != order.StateAssigned {
			t.Fatalf("order %s state = %s, want %s", member.ID, o.State, order.StateAssigned)
		}
	}
}

func TestFIFOFillIsDeterministic(t *testing.T) {
	members := []order.Order{
		{ID: "o-1", Sequence: 1},
		{ID: "o-2", Sequence: 2},
		{ID: "o-3", Sequence: 3},
	}
	p := pool.Pool{ID: "p-1"}

	first, err := FIFOFill{}.Run(context.Background(), p, members)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	second, err := FIFOFill{}.Run(context.Background(), p, members)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("outcomes differ across runs:\n%+v\n%+v", first, second)
	}
}

func TestPublisherRepublishIsIdempotent(t *testing.T) {
	store := memory.New()
	publisher := NewPublisher(store, store, store, nil, logger.NewNop())

	p, members := lockedPool(t, store, "alpha", 2)
	if _, err := store.TransitionPool(context.Background(), p.ID, pool.StateLocked, pool.StateProcessing, ""); err != nil {
		t.Fatalf("transition to processing: %v", err)
	}
	p, _ = store.GetPool(context.Background(), p.ID)

	outcomes, err := FIFOFill{}.Run(context.Background(), p, members)
	if err != nil {
		t.Fatalf("algorithm: %v", err)
	}

	// Simulate a crash after the result set was written and one order
	// settled, but before the pool completed.
	if _, err := store.PutResultSet(context.Background(), p.ID, outcomes); err != nil {
		t.Fatalf("put result set: %v", err)
	}
	if _, err := store.TransitionOrder(context.Background(), members[0].ID, order.StateAssigned, order.StateSettled, ""); err != nil {
		t.Fatalf("settle order: %v", err)
	}

	rs, err := publisher.Publish(context.Background(), p, outcomes)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if rs.Version != 2 {
		t.Fatalf("result version after republish = %d, want 2", rs.Version)
	}

	got, _ := store.GetPool(context.Background(), p.ID)
	if got.State != pool.StateCompleted {
		t.Fatalf("pool state = %s, want %s", got.State, pool.StateCompleted)
	}
	for _, member := range members {
		o, _ := store.GetOrder(context.Background(), member.ID)
		if o.State != order.StateSettled {
			t.Fatalf("order %s state = %s, want %s", member.ID, o.State, order.StateSettled)
		}
	}
}

func TestProcessorConcurrentKeysAllComplete(t *testing.T) {
	store := memory.New()
	publisher := NewPublisher(store, store, store, nil, logger.NewNop())
	processor := NewProcessor(store, store, publisher, nil, Config{Workers: 3}, nil, logger.NewNop())

	var poolIDs []string
	for i := 0; i < 5; i++ {
		p, _ := lockedPool(t, store, fmt.Sprintf("key-%d", i), 2)
		poolIDs = append(poolIDs, p.ID)
	}

	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	for _, id := range poolIDs {
		p, _ := store.GetPool(context.Background(), id)
		if p.State != pool.StateCompleted {
			t.Fatalf("pool %s state = %s, want %s", id, p.State, pool.StateCompleted)
		}
	}
}

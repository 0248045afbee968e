package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/storage/memory"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

func submitOrders(t *testing.T, store *memory.Store, key string, n int) []order.Order {
	t.Helper()
	ctx := context.Background()
	result := make([]order.Order, 0, n)
	for i := 0; i < n; i++ {
		o, err := store.CreateOrder(ctx, order.Order{
			AccountID:   "acct-1",
			BatchingKey: key,
			Payload:     json.RawMessage(`{"qty":1}`),
			State:       order.StatePending,
		})
		if err != nil {
			t.Fatalf("create order: %v", err)
		}
		result = append(result, o)
	}
	return result
}

func TestBuilderAssignsPendingOrders(t *testing.T) {
	store := memory.New()
	builder := NewBuilder(store, store, Config{MaxMembers: 10, MaxAge: time.Hour}, nil, logger.NewNop())

	submitted := submitOrders(t, store, "alpha", 3)

	if err := builder.Build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}

	var poolID string
	for i, o := range submitted {
		got, err := store.GetOrder(context.Background(), o.ID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if got.State != order.StateAssigned {
			t.Fatalf("order %d state = %s, want %s", i, got.State, order.StateAssigned)
		}
		if got.Sequence != int64(i+1) {
			t.Fatalf("order %d sequence = %d, want %d", i, got.Sequence, i+1)
		}
		if poolID == "" {
			poolID = got.PoolID
		} else if got.PoolID != poolID {
			t.Fatalf("orders split across pools %s and %s", poolID, got.PoolID)
		}
	}

	p, err := store.GetPool(context.Background(), poolID)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if p.State != pool.StateOpen {
		t.Fatalf("pool state = %s, want %s", p.State, pool.StateOpen)
	}
	if p.MemberCount != 3 {
		t.Fatalf("member count = %d, want 3", p.MemberCount)
	}
}

func TestBuilderSeparatesBatchingKeys(t *testing.T) {
	store := memory.New()
	builder := NewBuilder(store, store, Config{MaxMembers: 10, MaxAge: time.Hour}, nil, logger.NewNop())

	alpha := submitOrders(t, store, "alpha", 1)
	beta := submitOrders(t, store, "beta", 1)

	if err := builder.Build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}

	a, _ := store.GetOrder(context.Background(), alpha[0].ID)
	b, _ := store.GetOrder(context.Background(), beta[0].ID)
	if a.PoolID == b.PoolID {
		t.Fatalf("different batching keys share pool %s", a.PoolID)
	}
}

func TestBuilderLocksFullPoolAndOverflows(t *testing.T) {
	store := memory.New()
	builder := NewBuilder(store, store, Config{MaxMembers: 2, MaxAge: time.Hour}, nil, logger.NewNop())

	submitted := submitOrders(t, store, "alpha", 3)

	if err := builder.Build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}

	first, _ := store.GetOrder(context.Background(), submitted[0].ID)
	third, _ := store.GetOrder(context.Background(), submitted[2].ID)
	if first.PoolID == third.PoolID {
		t.Fatalf("overflow order landed in the full pool")
	}

	full, err := store.GetPool(context.Background(), first.PoolID)
	if err != nil {
		t.Fatalf("get full pool: %v", err)
	}
	if full.State != pool.StateLocked {
		t.Fatalf("full pool state = %s, want %s", full.State, pool.StateLocked)
	}
	if full.MemberCount != 2 {
		t.Fatalf("full pool members = %d, want 2", full.MemberCount)
	}

	rest, err := store.GetPool(context.Background(), third.PoolID)
	if err != nil {
		t.Fatalf("get overflow pool: %v", err)
	}
	if rest.State != pool.StateOpen {
		t.Fatalf("overflow pool state = %s, want %s", rest.State, pool.StateOpen)
	}
}

func TestBuilderLocksAgedPool(t *testing.T) {
	store := memory.New()
	builder := NewBuilder(store, store, Config{MaxMembers: 100, MaxAge: time.Minute}, nil, logger.NewNop())

	submitted := submitOrders(t, store, "alpha", 1)

	if err := builder.Build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}

	o, _ := store.GetOrder(context.Background(), submitted[0].ID)
	p, _ := store.GetPool(context.Background(), o.PoolID)
	if p.State != pool.StateOpen {
		t.Fatalf("young pool state = %s, want %s", p.State, pool.StateOpen)
	}

	builder.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := builder.Build(context.Background()); err != nil {
		t.Fatalf("second build: %v", err)
	}

	p, _ = store.GetPool(context.Background(), o.PoolID)
	if p.State != pool.StateLocked {
		t.Fatalf("aged pool state = %s, want %s", p.State, pool.StateLocked)
	}
}

func TestBuilderNeverLocksEmptyPool(t *testing.T) {
	store := memory.New()
	builder := NewBuilder(store, store, Config{MaxMembers: 2, MaxAge: time.Minute}, nil, logger.NewNop())

	empty, err := store.CreatePool(context.Background(), pool.Pool{BatchingKey: "alpha", State: pool.StateOpen})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	builder.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := builder.Build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}

	p, _ := store.GetPool(context.Background(), empty.ID)
	if p.State != pool.StateOpen {
		t.Fatalf("empty pool state = %s, want %s", p.State, pool.StateOpen)
	}
}

func TestBuilderConcurrentBuildsAssignEachOrderOnce(t *testing.T) {
	store := memory.New()
	submitted := submitOrders(t, store, "alpha", 40)

	const instances = 4
	var wg sync.WaitGroup
	errs := make(chan error, instances)
	for i := 0; i < instances; i++ {
		b := NewBuilder(store, store, Config{MaxMembers: 7, MaxAge: time.Hour}, nil, logger.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pass := 0; pass < 3; pass++ {
				if err := b.Build(context.Background()); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent build: %v", err)
	}

	// A claim that lost a race stays PENDING for a later pass; one quiet pass
	// sweeps those up before asserting membership.
	sweep := NewBuilder(store, store, Config{MaxMembers: 7, MaxAge: time.Hour}, nil, logger.NewNop())
	if err := sweep.Build(context.Background()); err != nil {
		t.Fatalf("sweep build: %v", err)
	}

	// Every order belongs to exactly one pool, and no two orders in a pool
	// share a sequence.
	seen := make(map[string]map[int64]string)
	for _, o := range submitted {
		got, err := store.GetOrder(context.Background(), o.ID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if got.State != order.StateAssigned {
			t.Fatalf("order %s state = %s, want %s", got.ID, got.State, order.StateAssigned)
		}
		if got.PoolID == "" {
			t.Fatalf("order %s assigned without a pool", got.ID)
		}
		if seen[got.PoolID] == nil {
			seen[got.PoolID] = make(map[int64]string)
		}
		if other, taken := seen[got.PoolID][got.Sequence]; taken {
			t.Fatalf("orders %s and %s share sequence %d in pool %s", other, got.ID, got.Sequence, got.PoolID)
		}
		seen[got.PoolID][got.Sequence] = got.ID
	}

	// Member counts must agree with actual membership: an order counted into
	// two pools would leave one count short.
	for poolID, members := range seen {
		p, err := store.GetPool(context.Background(), poolID)
		if err != nil {
			t.Fatalf("get pool: %v", err)
		}
		if p.MemberCount != len(members) {
			t.Fatalf("pool %s member count = %d, distinct members = %d", poolID, p.MemberCount, len(members))
		}
	}
}

func TestBuilderRerunDoesNotReassign(t *testing.T) {
	store := memory.New()
	builder := NewBuilder(store, store, Config{MaxMembers: 10, MaxAge: time.Hour}, nil, logger.NewNop())

	submitted := submitOrders(t, store, "alpha", 2)

	for i := 0; i < 3; i++ {
		if err := builder.Build(context.Background()); err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
	}

	o, _ := store.GetOrder(context.Background(), submitted[0].ID)
	p, _ := store.GetPool(context.Background(), o.PoolID)
	if p.MemberCount != 2 {
		t.Fatalf("member count after reruns = %d, want 2", p.MemberCount)
	}
}

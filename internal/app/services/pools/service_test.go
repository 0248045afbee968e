package pools

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/internal/app/storage/memory"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

func completedPool(t *testing.T, store *memory.Store) pool.Pool {
	t.Helper()
	ctx := context.Background()

	p, err := store.CreatePool(ctx, pool.Pool{BatchingKey: "alpha", State: pool.StateOpen})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	for _, step := range []struct{ from, to pool.State }{
		{pool.StateOpen, pool.StateLocked},
		{pool.StateLocked, pool.StateProcessing},
		{pool.StateProcessing, pool.StateCompleted},
	} {
		if _, err := store.TransitionPool(ctx, p.ID, step.from, step.to, ""); err != nil {
			t.Fatalf("transition %s->%s: %v", step.from, step.to, err)
		}
	}
	got, err := store.GetPool(ctx, p.ID)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	return got
}

func TestGetResultsBeforeCompletion(t *testing.T) {
	store := memory.New()
	svc := New(store, store, logger.NewNop())
	ctx := context.Background()

	p, err := store.CreatePool(ctx, pool.Pool{BatchingKey: "alpha", State: pool.StateOpen})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	if _, err := svc.GetResults(ctx, p.ID); !errors.Is(err, ErrResultsNotReady) {
		t.Fatalf("err = %v, want ErrResultsNotReady", err)
	}
}

func TestGetResultsAfterCompletion(t *testing.T) {
	store := memory.New()
	svc := New(store, store, logger.NewNop())
	ctx := context.Background()

	p := completedPool(t, store)
	if _, err := store.PutResultSet(ctx, p.ID, []pool.Outcome{{OrderID: "o-1", Sequence: 1, Status: "filled"}}); err != nil {
		t.Fatalf("put result set: %v", err)
	}

	rs, err := svc.GetResults(ctx, p.ID)
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if rs.PoolID != p.ID || len(rs.Outcomes) != 1 {
		t.Fatalf("unexpected result set: %+v", rs)
	}
}

func TestGetResultsUnknownPool(t *testing.T) {
	store := memory.New()
	svc := New(store, store, logger.NewNop())

	if _, err := svc.GetResults(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

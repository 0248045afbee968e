package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/domain/token"
	"github.com/R3E-Network/poolflow/internal/app/domain/user"
)

// OrderStore persists orders. All state transitions are single-record
// compare-and-set operations: they fail with ErrConflict when the record is
// no longer in the expected state.
type OrderStore interface {
	CreateOrder(ctx context.Context, o order.Order) (order.Order, error)
	GetOrder(ctx context.Context, id string) (order.Order, error)
	ListPendingOrders(ctx context.Context) ([]order.Order, error)
	ListPoolOrders(ctx context.Context, poolID string) ([]order.Order, error)

	// ClaimOrder transitions an order PENDING->ASSIGNED and records its pool
	// membership in one transactional step. The store increments the pool's
	// member count and assigns the order the resulting count as its sequence,
	// so sequences within a pool are unique even under concurrent claimants.
	// The pool must still be OPEN.
	ClaimOrder(ctx context.Context, orderID, poolID string) (order.Order, error)

	// TransitionOrder moves an order between states, guarded by the expected
	// current state.
	TransitionOrder(ctx context.Context, id string, from, to order.State, note string) (order.Order, error)
}

// PoolStore persists pools.
type PoolStore interface {
	CreatePool(ctx context.Context, p pool.Pool) (pool.Pool, error)
	GetPool(ctx context.Context, id string) (pool.Pool, error)

	// FindOpenPool returns the OPEN pool for a batching key, or ErrNotFound.
	FindOpenPool(ctx context.Context, batchingKey string) (pool.Pool, error)
	ListPoolsByState(ctx context.Context, state pool.State) ([]pool.Pool, error)

	// ListStaleProcessing returns PROCESSING pools whose processing started
	// before the cutoff. These are presumed crashed and eligible for
	// recovery.
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]pool.Pool, error)

	// HasProcessingForKey reports whether any pool with the batching key is
	// currently PROCESSING.
	HasProcessingForKey(ctx context.Context, batchingKey string) (bool, error)

	// TransitionPool moves a pool between states, guarded by the expected
	// current state. Audit timestamps for the target state are stamped by
	// the store.
	TransitionPool(ctx context.Context, id string, from, to pool.State, note string) (pool.Pool, error)
}

// ResultStore persists result sets, one per pool.
type ResultStore interface {
	// PutResultSet persists the outcomes for a pool. A second publication
	// for the same pool overwrites the previous one with an incremented
	// version.
	PutResultSet(ctx context.Context, poolID string, outcomes []pool.Outcome) (pool.ResultSet, error)
	GetResultSet(ctx context.Context, poolID string) (pool.ResultSet, error)
}

// TokenStore persists scoped access tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t token.Token) (token.Token, error)
	GetToken(ctx context.Context, id string) (token.Token, error)
	GetTokenBySecretHash(ctx context.Context, secretHash string) (token.Token, error)
	RevokeToken(ctx context.Context, id string) (token.Token, error)
}

// UserStore persists gateway users.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// RunLockStore provides the advisory lock coordinating orchestration passes
// across service instances.
type RunLockStore interface {
	// AcquireRunLock attempts to take the named lock for holder. A lock held
	// by another holder can be taken over once its TTL has elapsed. Returns
	// false when the lock is held by a live holder.
	AcquireRunLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, name, holder string) error
}

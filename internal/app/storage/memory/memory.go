// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is used by tests and by gateways running without a
// database, and mirrors the compare-and-set semantics of the Postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/domain/token"
	"github.com/R3E-Network/poolflow/internal/app/domain/user"
	"github.com/R3E-Network/poolflow/internal/app/storage"
)

// Store is an in-memory persistence layer implementing every storage
// interface in one value.
type Store struct {
	mu      sync.Mutex
	orders  map[string]order.Order
	pools   map[string]pool.Pool
	results map[string]pool.ResultSet
	tokens  map[string]token.Token
	users   map[string]user.User
	locks   map[string]lockEntry
}

type lockEntry struct {
	holder    string
	expiresAt time.Time
}

var (
	_ storage.OrderStore   = (*Store)(nil)
	_ storage.PoolStore    = (*Store)(nil)
	_ storage.ResultStore  = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.UserStore    = (*Store)(nil)
	_ storage.RunLockStore = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		orders:  make(map[string]order.Order),
		pools:   make(map[string]pool.Pool),
		results: make(map[string]pool.ResultSet),
		tokens:  make(map[string]token.Token),
		users:   make(map[string]user.User),
		locks:   make(map[string]lockEntry),
	}
}

// --- OrderStore -------------------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	} else if _, exists := s.orders[o.ID]; exists {
		return order.Order{}, fmt.Errorf("order %s: %w", o.ID, storage.ErrDuplicate)
	}

	now := time.Now().UTC()
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = now
	}
	o.UpdatedAt = now
	if o.State == "" {
		o.State = order.StatePending
	}
	o.Payload = append([]byte(nil), o.Payload...)

	s.orders[o.ID] = o
	return cloneOrder(o), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (s *Store) ListPendingOrders(_ context.Context) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []order.Order
	for _, o := range s.orders {
		if o.State == order.StatePending {
			result = append(result, cloneOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	return result, nil
}

func (s *Store) ListPoolOrders(_ context.Context, poolID string) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []order.Order
	for _, o := range s.orders {
		if o.PoolID == poolID {
			result = append(result, cloneOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

func (s *Store) ClaimOrder(_ context.Context, orderID, poolID string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s: %w", orderID, storage.ErrNotFound)
	}
	if o.State != order.StatePending {
		return order.Order{}, fmt.Errorf("order %s is %s: %w", orderID, o.State, storage.ErrConflict)
	}
	p, ok := s.pools[poolID]
	if !ok {
		return order.Order{}, fmt.Errorf("pool %s: %w", poolID, storage.ErrNotFound)
	}
	if p.State != pool.StateOpen {
		return order.Order{}, fmt.Errorf("pool %s is %s: %w", poolID, p.State, storage.ErrConflict)
	}

	now := time.Now().UTC()
	p.MemberCount++
	p.UpdatedAt = now
	s.pools[poolID] = p

	o.State = order.StateAssigned
	o.PoolID = poolID
	o.Sequence = int64(p.MemberCount)
	o.UpdatedAt = now
	s.orders[orderID] = o

	return cloneOrder(o), nil
}

func (s *Store) TransitionOrder(_ context.Context, id string, from, to order.State, note string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	if o.State != from {
		return order.Order{}, fmt.Errorf("order %s is %s, expected %s: %w", id, o.State, from, storage.ErrConflict)
	}

	o.State = to
	if note != "" {
		o.FailureNote = note
	}
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return cloneOrder(o), nil
}

// --- PoolStore --------------------------------------------------------------

func (s *Store) CreatePool(_ context.Context, p pool.Pool) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, exists := s.pools[p.ID]; exists {
		return pool.Pool{}, fmt.Errorf("pool %s: %w", p.ID, storage.ErrDuplicate)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.State == "" {
		p.State = pool.StateOpen
	}

	s.pools[p.ID] = p
	return p, nil
}

func (s *Store) GetPool(_ context.Context, id string) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return pool.Pool{}, fmt.Errorf("pool %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (s *Store) FindOpenPool(_ context.Context, batchingKey string) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found  pool.Pool
		exists bool
	)
	for _, p := range s.pools {
		if p.BatchingKey != batchingKey || p.State != pool.StateOpen {
			continue
		}
		if !exists || p.CreatedAt.Before(found.CreatedAt) {
			found = p
			exists = true
		}
	}
	if !exists {
		return pool.Pool{}, fmt.Errorf("open pool for key %q: %w", batchingKey, storage.ErrNotFound)
	}
	return found, nil
}

func (s *Store) ListPoolsByState(_ context.Context, state pool.State) ([]pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []pool.Pool
	for _, p := range s.pools {
		if p.State == state {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) ListStaleProcessing(_ context.Context, cutoff time.Time) ([]pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []pool.Pool
	for _, p := range s.pools {
		if p.State == pool.StateProcessing && p.ProcessingAt.Before(cutoff) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProcessingAt.Before(result[j].ProcessingAt) })
	return result, nil
}

func (s *Store) HasProcessingForKey(_ context.Context, batchingKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pools {
		if p.BatchingKey == batchingKey && p.State == pool.StateProcessing {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) TransitionPool(_ context.Context, id string, from, to pool.State, note string) (pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return pool.Pool{}, fmt.Errorf("pool %s: %w", id, storage.ErrNotFound)
	}
	if p.State != from {
		return pool.Pool{}, fmt.Errorf("pool %s is %s, expected %s: %w", id, p.State, from, storage.ErrConflict)
	}

	now := time.Now().UTC()
	p.State = to
	p.UpdatedAt = now
	if note != "" {
		p.FailureNote = note
	}
	switch to {
	case pool.StateLocked:
		p.LockedAt = now
	case pool.StateProcessing:
		p.ProcessingAt = now
	case pool.StateCompleted, pool.StateFailed:
		p.CompletedAt = now
	}
	s.pools[id] = p
	return p, nil
}

// --- ResultStore ------------------------------------------------------------

func (s *Store) PutResultSet(_ context.Context, poolID string, outcomes []pool.Outcome) (pool.ResultSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := int64(1)
	if existing, ok := s.results[poolID]; ok {
		version = existing.Version + 1
	}
	rs := pool.ResultSet{
		PoolID:     poolID,
		Version:    version,
		Outcomes:   cloneOutcomes(outcomes),
		ComputedAt: time.Now().UTC(),
	}
	s.results[poolID] = rs
	return cloneResultSet(rs), nil
}

func (s *Store) GetResultSet(_ context.Context, poolID string) (pool.ResultSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.results[poolID]
	if !ok {
		return pool.ResultSet{}, fmt.Errorf("result set for pool %s: %w", poolID, storage.ErrNotFound)
	}
	return cloneResultSet(rs), nil
}

// --- TokenStore -------------------------------------------------------------

func (s *Store) CreateToken(_ context.Context, t token.Token) (token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, exists := s.tokens[t.ID]; exists {
		return token.Token{}, fmt.Errorf("token %s: %w", t.ID, storage.ErrDuplicate)
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now().UTC()
	}
	s.tokens[t.ID] = t
	return t, nil
}

func (s *Store) GetToken(_ context.Context, id string) (token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return token.Token{}, fmt.Errorf("token %s: %w", id, storage.ErrNotFound)
	}
	return t, nil
}

func (s *Store) GetTokenBySecretHash(_ context.Context, secretHash string) (token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.SecretHash == secretHash {
			return t, nil
		}
	}
	return token.Token{}, fmt.Errorf("token by hash: %w", storage.ErrNotFound)
}

func (s *Store) RevokeToken(_ context.Context, id string) (token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return token.Token{}, fmt.Errorf("token %s: %w", id, storage.ErrNotFound)
	}
	t.Revoked = true
	s.tokens[id] = t
	return t, nil
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == u.Email {
			return user.User{}, fmt.Errorf("user %s: %w", u.Email, storage.ErrDuplicate)
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return user.User{}, fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
}

// --- RunLockStore -----------------------------------------------------------

func (s *Store) AcquireRunLock(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	entry, ok := s.locks[name]
	if ok && entry.holder != holder && now.Before(entry.expiresAt) {
		return false, nil
	}
	s.locks[name] = lockEntry{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseRunLock(_ context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.locks[name]
	if !ok || entry.holder != holder {
		return nil
	}
	delete(s.locks, name)
	return nil
}

// --- Helpers ----------------------------------------------------------------

func cloneOrder(o order.Order) order.Order {
	o.Payload = append([]byte(nil), o.Payload...)
	return o
}

func cloneOutcomes(src []pool.Outcome) []pool.Outcome {
	dst := make([]pool.Outcome, len(src))
	for i, out := range src {
		out.Detail = append([]byte(nil), out.Detail...)
		dst[i] = out
	}
	return dst
}

func cloneResultSet(rs pool.ResultSet) pool.ResultSet {
	rs.Outcomes = cloneOutcomes(rs.Outcomes)
	return rs
}

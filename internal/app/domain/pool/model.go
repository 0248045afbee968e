package pool

import (
	"encoding/json"
	"time"
)

// State describes where a pool sits in its lifecycle.
type State string

const (
	StateOpen       State = "OPEN"
	StateLocked     State = "LOCKED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Pool is a batch of orders processed together as one unit. Membership is
// recorded on the orders (pool id + sequence) and frozen once the pool leaves
// OPEN.
type Pool struct {
	ID          string
	BatchingKey string
	State       State
	MemberCount int
	FailureNote string
	CreatedAt   time.Time
	LockedAt    time.Time
	// ProcessingAt is stamped on every LOCKED->PROCESSING transition and is
	// what staleness recovery compares against.
	ProcessingAt time.Time
	CompletedAt  time.Time
	UpdatedAt    time.Time
}

// Outcome is the per-order entry of a result set.
type Outcome struct {
	OrderID  string          `json:"order_id"`
	Sequence int64           `json:"sequence"`
	Status   string          `json:"status"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// ResultSet is the persisted output of processing one pool. At most one
// exists per pool; recomputation after crash recovery overwrites it with a
// higher version instead of duplicating it.
type ResultSet struct {
	PoolID     string    `json:"pool_id"`
	Version    int64     `json:"version"`
	Outcomes   []Outcome `json:"outcomes"`
	ComputedAt time.Time `json:"computed_at"`
}

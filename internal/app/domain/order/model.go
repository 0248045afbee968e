package order

import (
	"encoding/json"
	"time"
)

// State describes where an order sits in its lifecycle.
type State string

const (
	StatePending  State = "PENDING"
	StateAssigned State = "ASSIGNED"
	StateSettled  State = "SETTLED"
	StateFailed   State = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// Order is a unit of submitted work awaiting batch processing. The payload is
// opaque to the pipeline; only the batching key influences grouping.
type Order struct {
	ID          string
	AccountID   string
	BatchingKey string
	Payload     json.RawMessage
	State       State
	PoolID      string
	// Sequence is the position assigned within the pool. Member orders are
	// processed in ascending sequence so recomputation is stable.
	Sequence    int64
	FailureNote string
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

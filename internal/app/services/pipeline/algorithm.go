package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
)

// Algorithm computes the outcomes for one pool. Implementations must be
// deterministic and free of side effects: given the same member list in the
// same sequence they must produce identical outcomes, since a recovered pool
// is recomputed from scratch and the republished result set must be
// equivalent to the lost one.
type Algorithm interface {
	Name() string
	Run(ctx context.Context, p pool.Pool, members []order.Order) ([]pool.Outcome, error)
}

// FIFOFill is the default algorithm: every member order is filled in
// assignment order. The outcome detail records the order's position and the
// pool size so downstream consumers can reconstruct the batch shape.
type FIFOFill struct{}

var _ Algorithm = FIFOFill{}

func (FIFOFill) Name() string { return "fifo-fill" }

func (FIFOFill) Run(_ context.Context, p pool.Pool, members []order.Order) ([]pool.Outcome, error) {
	outcomes := make([]pool.Outcome, 0, len(members))
	for i, member := range members {
		detail, err := json.Marshal(map[string]interface{}{
			"position":  i + 1,
			"pool_size": len(members),
		})
		if err != nil {
			return nil, fmt.Errorf("encode outcome for order %s: %w", member.ID, err)
		}
		outcomes = append(outcomes, pool.Outcome{
			OrderID:  member.ID,
			Sequence: member.Sequence,
			Status:   "filled",
			Detail:   detail,
		})
	}
	return outcomes, nil
}

// AlgorithmFunc adapts a function to the Algorithm interface.
type AlgorithmFunc struct {
	AlgoName string
	Fn       func(ctx context.Context, p pool.Pool, members []order.Order) ([]pool.Outcome, error)
}

var _ Algorithm = AlgorithmFunc{}

func (a AlgorithmFunc) Name() string { return a.AlgoName }

func (a AlgorithmFunc) Run(ctx context.Context, p pool.Pool, members []order.Order) ([]pool.Outcome, error) {
	return a.Fn(ctx, p, members)
}

// Package pools exposes pool state and published results to the gateway.
package pools

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// ErrResultsNotReady is returned when a pool has not completed yet. The
// gateway maps it to 404: results do not exist until the pool is COMPLETED.
var ErrResultsNotReady = errors.New("results not ready")

// Service reads pools and result sets.
type Service struct {
	pools   storage.PoolStore
	results storage.ResultStore
	log     *logger.Logger
}

// New creates a configured pool read service.
func New(pools storage.PoolStore, results storage.ResultStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pools")
	}
	return &Service{pools: pools, results: results, log: log}
}

// Get fetches a pool by identifier.
func (s *Service) Get(ctx context.Context, id string) (pool.Pool, error) {
	return s.pools.GetPool(ctx, id)
}

// GetResults fetches the result set for a COMPLETED pool.
func (s *Service) GetResults(ctx context.Context, poolID string) (pool.ResultSet, error) {
	p, err := s.pools.GetPool(ctx, poolID)
	if err != nil {
		return pool.ResultSet{}, err
	}
	if p.State != pool.StateCompleted {
		return pool.ResultSet{}, fmt.Errorf("pool %s is %s: %w", poolID, p.State, ErrResultsNotReady)
	}
	return s.results.GetResultSet(ctx, poolID)
}

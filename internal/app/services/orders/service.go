// Package orders implements order intake.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// DefaultBatchingKey groups orders submitted without an explicit key.
const DefaultBatchingKey = "default"

// Service accepts and exposes submitted orders.
type Service struct {
	store storage.OrderStore
	log   *logger.Logger
}

// New creates a configured order service.
func New(store storage.OrderStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("orders")
	}
	return &Service{store: store, log: log}
}

// Submit records a new order in PENDING state. The payload is opaque; only
// the batching key influences which pool the order later joins.
func (s *Service) Submit(ctx context.Context, accountID, batchingKey string, payload json.RawMessage) (order.Order, error) {
	accountID = strings.TrimSpace(accountID)
	batchingKey = strings.TrimSpace(batchingKey)

	if accountID == "" {
		return order.Order{}, fmt.Errorf("account_id is required")
	}
	if batchingKey == "" {
		batchingKey = DefaultBatchingKey
	}
	if len(payload) == 0 {
		return order.Order{}, fmt.Errorf("payload is required")
	}
	if !json.Valid(payload) {
		return order.Order{}, fmt.Errorf("payload must be valid JSON")
	}

	o, err := s.store.CreateOrder(ctx, order.Order{
		AccountID:   accountID,
		BatchingKey: batchingKey,
		Payload:     payload,
		State:       order.StatePending,
	})
	if err != nil {
		return order.Order{}, err
	}
	s.log.WithField("order_id", o.ID).
		WithField("account_id", accountID).
		WithField("batching_key", batchingKey).
		Info("order submitted")
	return o, nil
}

// Get fetches an order by identifier.
func (s *Service) Get(ctx context.Context, id string) (order.Order, error) {
	return s.store.GetOrder(ctx, id)
}

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/poolflow/internal/app/services/orders"
	"github.com/R3E-Network/poolflow/internal/app/services/pipeline"
	poolsvc "github.com/R3E-Network/poolflow/internal/app/services/pools"
	tokensvc "github.com/R3E-Network/poolflow/internal/app/services/tokens"
	usersvc "github.com/R3E-Network/poolflow/internal/app/services/users"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/internal/app/storage/memory"
	"github.com/R3E-Network/poolflow/internal/app/system"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Orders   storage.OrderStore
	Pools    storage.PoolStore
	Results  storage.ResultStore
	Tokens   storage.TokenStore
	Users    storage.UserStore
	RunLocks storage.RunLockStore
}

// Options carries the pipeline and token tunables.
type Options struct {
	Pipeline     pipeline.Config
	TickInterval time.Duration
	TokenTTL     time.Duration
	Algorithm    pipeline.Algorithm
	Registry     prometheus.Registerer
}

// Application ties the services together and manages their lifecycle. The
// scheduler is started exactly once by the owning process through Start.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Orders    *orders.Service
	Pools     *poolsvc.Service
	Tokens    *tokensvc.Service
	Users     *usersvc.Service
	Scheduler *pipeline.Scheduler
	Metrics   *pipeline.Metrics
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Orders == nil {
		stores.Orders = mem
	}
	if stores.Pools == nil {
		stores.Pools = mem
	}
	if stores.Results == nil {
		stores.Results = mem
	}
	if stores.Tokens == nil {
		stores.Tokens = mem
	}
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.RunLocks == nil {
		stores.RunLocks = mem
	}

	metrics := pipeline.NewMetrics(opts.Registry)

	orderService := orders.New(stores.Orders, log)
	poolService := poolsvc.New(stores.Pools, stores.Results, log)
	tokenService := tokensvc.New(stores.Tokens, opts.TokenTTL, log)
	userService := usersvc.New(stores.Users, log)

	builder := pipeline.NewBuilder(stores.Orders, stores.Pools, opts.Pipeline, metrics, log)
	publisher := pipeline.NewPublisher(stores.Orders, stores.Pools, stores.Results, metrics, log)
	processor := pipeline.NewProcessor(stores.Orders, stores.Pools, publisher, opts.Algorithm, opts.Pipeline, metrics, log)
	scheduler := pipeline.NewScheduler(builder, processor, stores.RunLocks, opts.TickInterval, opts.Pipeline, metrics, log)

	manager := system.NewManager()
	if err := manager.Register(scheduler); err != nil {
		return nil, fmt.Errorf("register scheduler: %w", err)
	}

	return &Application{
		manager:   manager,
		log:       log,
		Orders:    orderService,
		Pools:     poolService,
		Tokens:    tokenService,
		Users:     userService,
		Scheduler: scheduler,
		Metrics:   metrics,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

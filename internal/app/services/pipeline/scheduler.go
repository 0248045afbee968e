package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/internal/app/system"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// RunLockName is the advisory lock coordinating passes across instances.
const RunLockName = "pipeline-pass"

var _ system.Service = (*Scheduler)(nil)

// Scheduler drives one orchestration pass (build, then process) on a fixed
// interval. At most one pass runs across all instances: each tick tries the
// store-backed run lock and simply skips when it is held. Missed ticks are
// not queued; the next tick tries again.
type Scheduler struct {
	builder   *Builder
	processor *Processor
	locks     storage.RunLockStore
	interval  time.Duration
	lockTTL   time.Duration
	holder    string
	metrics   *Metrics
	log       *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates the pipeline scheduler. The run lock TTL is the
// staleness threshold: a pass holding the lock longer than that is presumed
// dead and another instance may take over.
func NewScheduler(builder *Builder, processor *Processor, locks storage.RunLockStore, interval time.Duration, cfg Config, metrics *Metrics, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("pipeline-scheduler")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		builder:   builder,
		processor: processor,
		locks:     locks,
		interval:  interval,
		lockTTL:   cfg.Staleness,
		holder:    uuid.NewString(),
		metrics:   metrics,
		log:       log,
	}
}

func (s *Scheduler) Name() string { return "pipeline-scheduler" }

// Start begins the repeating timer. Safe to call on a started scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.WithField("interval", s.interval).Info("pipeline scheduler started")
	return nil
}

// Stop cancels future ticks. A pass already in progress is allowed to
// finish; Stop waits for it up to the context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("pipeline scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	// A pass in flight when Stop is called runs to completion; stopping only
	// prevents new ticks.
	err := s.RunPass(context.WithoutCancel(ctx))
	if err == nil || errors.Is(err, ErrPassSkipped) {
		return
	}
	if s.metrics != nil {
		s.metrics.PassFailures.Inc()
	}
	s.log.WithError(err).Warn("orchestration pass failed")
}

// ErrPassSkipped is returned by RunPass when another instance holds the run
// lock. It signals expected coordination, not a failure.
var ErrPassSkipped = fmt.Errorf("pass skipped: run lock held")

// RunPass executes one orchestration pass under the run lock: builder first,
// then processor. A stage failure is returned but never propagates past the
// scheduler; the next tick proceeds independently.
func (s *Scheduler) RunPass(ctx context.Context) error {
	acquired, err := s.locks.AcquireRunLock(ctx, RunLockName, s.holder, s.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		if s.metrics != nil {
			s.metrics.TicksSkipped.Inc()
		}
		s.log.Debug("run lock held by another instance, skipping tick")
		return ErrPassSkipped
	}
	defer func() {
		if err := s.locks.ReleaseRunLock(ctx, RunLockName, s.holder); err != nil {
			s.log.WithError(err).Warn("release run lock failed")
		}
	}()

	started := time.Now()
	if s.metrics != nil {
		s.metrics.Passes.Inc()
	}

	if err := s.builder.Build(ctx); err != nil {
		return fmt.Errorf("builder stage: %w", err)
	}
	if err := s.processor.Process(ctx); err != nil {
		return fmt.Errorf("processor stage: %w", err)
	}

	if s.metrics != nil {
		s.metrics.PassDuration.Observe(time.Since(started).Seconds())
	}
	return nil
}

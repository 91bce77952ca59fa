package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RuntimeConfig holds consumer loop timing.
type RuntimeConfig struct {
	// PollInterval is the idle sleep when a queue is empty (default: 100ms).
	PollInterval time.Duration

	// ErrorBackoff is the sleep after a store error (default: 1s).
	ErrorBackoff time.Duration

	// MaxBackoff caps the retry delay (default: 5m).
	MaxBackoff time.Duration

	// SchedulerInterval is the delayed-message promotion period (default: 1s).
	SchedulerInterval time.Duration

	// ReapInterval is the in-flight audit period; 0 disables the reaper.
	ReapInterval time.Duration

	// InFlightTimeout is the age at which in-flight work is reaped (default: 10m).
	InFlightTimeout time.Duration
}

// DefaultRuntimeConfig returns a RuntimeConfig with sensible defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		PollInterval:      100 * time.Millisecond,
		ErrorBackoff:      time.Second,
		MaxBackoff:        5 * time.Minute,
		SchedulerInterval: time.Second,
		ReapInterval:      time.Minute,
		InFlightTimeout:   10 * time.Minute,
	}
}

// Validate checks if the config is valid.
func (c *RuntimeConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be > 0, got %v", c.PollInterval)
	}
	if c.ErrorBackoff <= 0 {
		return fmt.Errorf("ErrorBackoff must be > 0, got %v", c.ErrorBackoff)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("SchedulerInterval must be > 0, got %v", c.SchedulerInterval)
	}
	if c.ReapInterval < 0 {
		return fmt.Errorf("ReapInterval must be >= 0, got %v", c.ReapInterval)
	}
	if c.ReapInterval > 0 && c.InFlightTimeout <= 0 {
		return fmt.Errorf("InFlightTimeout must be > 0 when the reaper is enabled, got %v", c.InFlightTimeout)
	}
	return nil
}

// DeadLetterFunc is called after a message is dead-lettered.
type DeadLetterFunc func(queue string, msg *Message, cause error)

// Runtime drives one consumer loop per registered queue, plus the delayed
// message scheduler and the in-flight reaper.
type Runtime struct {
	store        Store
	registry     *Registry
	config       RuntimeConfig
	logger       *zap.Logger
	onDeadLetter DeadLetterFunc

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	stopped sync.Once
}

// NewRuntime creates a runtime. The registry is validated here so that a
// misconfigured process fails at startup rather than at dispatch time.
func NewRuntime(store Store, registry *Registry, config RuntimeConfig, logger *zap.Logger) (*Runtime, error) {
	if store == nil {
		return nil, errors.New("queue runtime: store is required")
	}
	if registry == nil {
		return nil, errors.New("queue runtime: registry is required")
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("queue runtime: invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		store:    store,
		registry: registry,
		config:   config,
		logger:   logger.Named("queue"),
		stop:     make(chan struct{}),
	}, nil
}

// OnDeadLetter registers a callback invoked whenever a handler failure
// exhausts a message's retry budget.
func (r *Runtime) OnDeadLetter(fn DeadLetterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDeadLetter = fn
}

// Run blocks until ctx is cancelled or Stop is called, then waits for every
// loop to exit. Handler calls already in progress finish with a context
// that is not cancelled by the stop signal.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("queue runtime: already running")
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-r.stop:
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	names := r.registry.Names()
	for _, name := range names {
		handler, _ := r.registry.Handler(name)
		g.Go(func() error {
			r.consume(gctx, name, handler)
			return nil
		})
	}

	scheduler := NewScheduler(r.store, r.config.SchedulerInterval, r.logger)
	g.Go(func() error { return scheduler.Run(gctx) })

	if r.config.ReapInterval > 0 {
		g.Go(func() error {
			r.reap(gctx, names)
			return nil
		})
	}

	r.logger.Info("queue runtime started", zap.Strings("queues", names))
	err := g.Wait()
	r.logger.Info("queue runtime stopped")
	return err
}

// Stop signals every loop to exit. It is safe to call more than once.
func (r *Runtime) Stop() {
	r.stopped.Do(func() { close(r.stop) })
}

// consume is the per-queue loop.
func (r *Runtime) consume(ctx context.Context, queue string, handler Handler) {
	logger := r.logger.With(zap.String("queue", queue))
	logger.Debug("consumer started")
	defer logger.Debug("consumer stopped")

	for ctx.Err() == nil {
		msg, err := r.store.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			sleep(ctx, r.config.ErrorBackoff)
			continue
		}
		if msg == nil {
			sleep(ctx, r.config.PollInterval)
			continue
		}

		r.dispatch(ctx, queue, handler, msg)
	}
}

// dispatch runs the handler for one message and settles it in the store.
// Store calls use a context detached from ctx so that a stop signal cannot
// leave a finished message stranded in flight.
func (r *Runtime) dispatch(ctx context.Context, queue string, handler Handler, msg *Message) {
	settleCtx := context.WithoutCancel(ctx)
	logger := r.logger.With(
		zap.String("queue", queue),
		zap.String("message_id", msg.ID),
		zap.Int("retry", msg.RetryCount),
	)

	herr := invoke(settleCtx, handler, msg)

	switch {
	case herr == nil:
		if err := r.store.Acknowledge(settleCtx, queue, msg); err != nil {
			logger.Error("acknowledge failed", zap.Error(err))
		}

	case IsPermanent(herr):
		logger.Warn("dropping message after permanent failure", zap.Error(herr))
		if err := r.store.Acknowledge(settleCtx, queue, msg); err != nil {
			logger.Error("acknowledge failed", zap.Error(err))
		}

	default:
		delay := RetryDelay(msg.RetryCount, r.config.MaxBackoff)
		disposition, err := r.store.Requeue(settleCtx, queue, msg, delay)
		if err != nil {
			logger.Error("requeue failed", zap.Error(err), zap.NamedError("cause", herr))
			return
		}
		if disposition == DeadLettered {
			logger.Error("message dead-lettered", zap.Error(herr), zap.Int("max_retries", msg.MaxRetries))
			r.mu.Lock()
			fn := r.onDeadLetter
			r.mu.Unlock()
			if fn != nil {
				fn(queue, msg, herr)
			}
			return
		}
		logger.Warn("handler failed, retry scheduled",
			zap.Error(herr),
			zap.String("disposition", string(disposition)),
			zap.Duration("delay", delay))
	}
}

// reap periodically requeues messages stuck in flight.
func (r *Runtime) reap(ctx context.Context, queues []string) {
	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				n, err := r.store.ReapStale(ctx, q, r.config.InFlightTimeout)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Error("in-flight audit failed", zap.String("queue", q), zap.Error(err))
					}
					continue
				}
				if n > 0 {
					r.logger.Warn("requeued stuck in-flight messages", zap.String("queue", q), zap.Int("count", n))
				}
			}
		}
	}
}

// invoke calls handler and converts a panic into an ordinary (retryable) error.
func invoke(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return handler(ctx, msg)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

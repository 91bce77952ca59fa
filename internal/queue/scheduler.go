package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler periodically promotes due delayed messages back to pending.
// Delays are therefore honored to within one interval.
type Scheduler struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewScheduler creates a scheduler that ticks every interval.
func NewScheduler(store Store, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		interval: interval,
		now:      time.Now,
		logger:   logger.Named("scheduler"),
	}
}

// Run ticks until ctx is done. It always returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs a single promotion pass.
func (s *Scheduler) Tick(ctx context.Context) {
	n, err := s.store.PromoteDue(ctx, s.now())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to promote delayed messages", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.logger.Debug("promoted delayed messages", zap.Int("count", n))
	}
}

package ratelimit

import (
	"context"
	"time"

	"github.com/autoluzes/autoluzes/pkg/logger"
)

// SweepFunc is called after each sweep with the number of removed records.
type SweepFunc func(deleted int64, err error)

// Sweeper periodically removes expired records from a Store. Expired
// records never affect decisions, so sweeping only bounds storage growth.
type Sweeper struct {
	store    Store
	interval time.Duration
	log      *logger.Logger
	now      func() time.Time
	onSweep  SweepFunc
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(store Store, interval time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// OnSweep registers a callback run after every sweep.
func (s *Sweeper) OnSweep(fn SweepFunc) {
	s.onSweep = fn
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("rate limit sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("rate limit sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce removes every record expired at the current time.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	deleted, err := s.store.DeleteExpired(ctx, s.now().Truncate(time.Millisecond))
	if err != nil {
		s.log.Warn("rate limit sweep failed", "error", err)
	} else if deleted > 0 {
		s.log.Debug("rate limit sweep completed", "deleted", deleted)
	}
	if s.onSweep != nil {
		s.onSweep(deleted, err)
	}
	return deleted, err
}

package service

import (
	"context"
	"sync"
	"time"
)

const DefaultSweepInterval = 5 * time.Second

// Sweeper periodically returns cases with expired leases to the ready pool.
// Reads and claims also expire leases lazily; the sweeper makes sure idle
// cases are reclaimed and announced even when nobody is reading.
type Sweeper struct {
	core
	interval time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSweeper(deps Deps, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		core:     newCore(deps),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// ReclaimExpired demotes every expired lease once.
func (s *Sweeper) ReclaimExpired(ctx context.Context) (int, error) {
	n, err := s.reclaimExpired(ctx)
	if n > 0 {
		s.Logger.Info("reclaimed expired leases", "count", n)
	}
	return n, err
}

// Start runs the sweep loop until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
	})
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Logger.Info("lease sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Error("lease sweep failed", "error", err)
			}
		}
	}
}

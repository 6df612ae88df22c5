package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cinevault/shield/pkg/common"
	"github.com/sirupsen/logrus"
)

// Scheduler drives the engine's periodic work: the cross-identifier
// detection sweep, the maintenance sweep, and threat aggregation. Each
// loop runs on its own goroutine and stops on context cancellation.
type Scheduler struct {
	engine *Engine
	logger *logrus.Logger

	detectionInterval   time.Duration
	maintenanceInterval time.Duration
	threatInterval      time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type SchedulerOpts struct {
	DetectionInterval   time.Duration
	MaintenanceInterval time.Duration
	ThreatInterval      time.Duration
}

func NewScheduler(e *Engine, logger *logrus.Logger, opts *SchedulerOpts) *Scheduler {
	s := &Scheduler{
		engine:              e,
		logger:              logger,
		detectionInterval:   common.DetectionSweepInterval,
		maintenanceInterval: common.MaintenanceSweepInterval,
		threatInterval:      common.ThreatAggregateInterval,
	}
	if opts != nil {
		if opts.DetectionInterval > 0 {
			s.detectionInterval = opts.DetectionInterval
		}
		if opts.MaintenanceInterval > 0 {
			s.maintenanceInterval = opts.MaintenanceInterval
		}
		if opts.ThreatInterval > 0 {
			s.threatInterval = opts.ThreatInterval
		}
	}
	return s
}

// Start launches the background loops. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.run(ctx, "detection", s.detectionInterval, func() {
		s.engine.DetectionSweep(ctx)
	})
	s.run(ctx, "maintenance", s.maintenanceInterval, s.engine.MaintenanceSweep)
	s.run(ctx, "threat", s.threatInterval, func() {
		s.engine.AggregateThreat()
	})

	s.logger.WithFields(logrus.Fields{
		"detection_interval":   s.detectionInterval,
		"maintenance_interval": s.maintenanceInterval,
		"threat_interval":      s.threatInterval,
	}).Info("protection scheduler started")
}

func (s *Scheduler) run(ctx context.Context, name string, interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(name, fn)
			}
		}
	}()
}

// tick isolates one sweep execution; a panicking sweep must not kill the
// loop.
func (s *Scheduler) tick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"sweep": name,
				"panic": r,
			}).Error("background sweep panicked")
		}
	}()
	fn()
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("protection scheduler stopped")
}

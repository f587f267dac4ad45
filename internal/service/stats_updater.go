package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatsUpdater periodically refreshes the queue depth gauges from the task
// table, so they stay correct across restarts and other writers.
type StatsUpdater struct {
	store    *TaskStore
	metrics  *Metrics
	logger   *zap.Logger
	interval time.Duration

	mu   sync.Mutex
	done chan struct{}
}

func NewStatsUpdater(store *TaskStore, metrics *Metrics, logger *zap.Logger, interval time.Duration) *StatsUpdater {
	return &StatsUpdater{
		store:    store,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the periodic update. The first update runs immediately.
func (s *StatsUpdater) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	done := make(chan struct{})
	s.done = done

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("Starting stats updater", zap.Duration("interval", s.interval))
		s.UpdateStats(ctx)
		for {
			select {
			case <-done:
				s.logger.Info("Stats updater stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Stats updater stopped due to context cancellation")
				return
			case <-ticker.C:
				s.UpdateStats(ctx)
			}
		}
	}()
}

func (s *StatsUpdater) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	close(s.done)
	s.done = nil
}

// UpdateStats performs one refresh.
func (s *StatsUpdater) UpdateStats(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("Failed to update queue stats", zap.Error(err))
		return
	}
	s.metrics.SetTaskCounts(counts)
	s.logger.Debug("Queue stats updated", zap.Any("counts", counts))
}

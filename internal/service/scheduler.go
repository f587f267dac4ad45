package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/ifuryst/ripple-publish/internal/config"
	"github.com/ifuryst/ripple-publish/internal/models"
)

// TaskRunner executes one task to a resting state.
type TaskRunner interface {
	Execute(ctx context.Context, taskID uint) error
}

// SchedulerStatus is a snapshot for the queue status endpoint.
type SchedulerStatus struct {
	Running      bool      `json:"running"`
	PollInterval string    `json:"poll_interval"`
	Workers      int       `json:"workers"`
	InFlight     int       `json:"in_flight"`
	LastPollAt   time.Time `json:"last_poll_at,omitempty"`
}

// Scheduler polls for eligible tasks and hands them to a bounded worker
// pool. It only reads tasks; claiming belongs to the runner.
type Scheduler struct {
	config  *config.SchedulerConfig
	logger  *zap.Logger
	db      *gorm.DB
	store   *TaskStore
	runner  TaskRunner
	metrics *Metrics
	sem     *semaphore.Weighted
	now     func() time.Time

	mu         sync.Mutex
	running    bool
	ticker     *time.Ticker
	stopCh     chan struct{}
	lastPollAt time.Time
	dispatched map[uint]struct{}
	wg         sync.WaitGroup
}

func NewScheduler(cfg *config.SchedulerConfig, logger *zap.Logger, db *gorm.DB, store *TaskStore, runner TaskRunner, metrics *Metrics) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		config:     cfg,
		logger:     logger,
		db:         db,
		store:      store,
		runner:     runner,
		metrics:    metrics,
		sem:        semaphore.NewWeighted(int64(workers)),
		now:        func() time.Time { return time.Now().UTC() },
		dispatched: make(map[uint]struct{}),
	}
}

// Start begins polling. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	interval := s.config.PollIntervalDuration()
	s.logger.Info("Starting scheduler",
		zap.Duration("poll_interval", interval),
		zap.Int("workers", s.config.Workers))

	s.ticker = time.NewTicker(interval)
	s.stopCh = make(chan struct{})
	s.running = true

	ticker, stopCh := s.ticker, s.stopCh
	go func() {
		// First poll runs immediately
		s.runTick(ctx)
		for {
			select {
			case <-ticker.C:
				s.runTick(ctx)
			case <-stopCh:
				s.logger.Info("Scheduler stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Scheduler context cancelled")
				s.mu.Lock()
				if s.stopCh == stopCh {
					s.running = false
					ticker.Stop()
				}
				s.mu.Unlock()
				return
			}
		}
	}()

	return nil
}

// Stop ends polling. Tasks already dispatched keep running; use Wait to
// drain them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.stopCh)
	s.logger.Info("Scheduler shutdown completed")
}

// Wait blocks until every dispatched task has returned or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Running:      s.running,
		PollInterval: s.config.PollIntervalDuration().String(),
		Workers:      s.config.Workers,
		InFlight:     len(s.dispatched),
		LastPollAt:   s.lastPollAt,
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	start := time.Now()
	n, err := s.Tick(ctx)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("Scheduler poll failed",
			zap.Error(err),
			zap.Duration("duration", duration))
		return
	}
	if n > 0 {
		s.logger.Debug("Scheduler poll dispatched tasks",
			zap.Int("dispatched", n),
			zap.Duration("duration", duration))
	}
}

// Tick runs one poll and dispatches as many eligible tasks as there are
// free workers. It returns the number dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	tasks, err := s.SelectEligibleTasks(ctx)
	s.metrics.observePoll(time.Since(start), len(tasks))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.lastPollAt = s.now()
	s.mu.Unlock()

	dispatched := 0
	for i := range tasks {
		id := tasks[i].ID
		if !s.markDispatched(id) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.unmarkDispatched(id)
			break
		}

		s.wg.Add(1)
		dispatched++
		go func() {
			defer s.sem.Release(1)
			s.work(ctx, id)
		}()
	}
	return dispatched, nil
}

// Dispatch runs one task right away, outside the poll and without waiting
// for a free worker. It returns false when the task is already dispatched.
func (s *Scheduler) Dispatch(ctx context.Context, taskID uint) bool {
	if !s.markDispatched(taskID) {
		return false
	}
	s.wg.Add(1)
	go s.work(ctx, taskID)
	return true
}

func (s *Scheduler) work(ctx context.Context, taskID uint) {
	defer s.wg.Done()
	defer s.unmarkDispatched(taskID)

	s.metrics.trackInFlight(1)
	defer s.metrics.trackInFlight(-1)

	err := s.runner.Execute(ctx, taskID)
	var quotaErr *QuotaError
	switch {
	case err == nil:
	case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrArticleBusy):
		s.logger.Debug("Task not claimed", zap.Uint("task_id", taskID), zap.Error(err))
	case errors.As(err, &quotaErr):
		s.logger.Warn("Task held back by quota",
			zap.Uint("task_id", taskID),
			zap.String("tenant_id", quotaErr.TenantID),
			zap.String("feature", quotaErr.Feature))
	default:
		s.logger.Error("Task execution failed", zap.Uint("task_id", taskID), zap.Error(err))
	}
}

func (s *Scheduler) markDispatched(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dispatched[id]; ok {
		return false
	}
	s.dispatched[id] = struct{}{}
	return true
}

func (s *Scheduler) unmarkDispatched(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatched, id)
}

// candidateFactor sizes the candidate window read from the store relative
// to BatchSize. The store already drops retry holds, disabled platforms and
// queued batch members, so the window only has to absorb batch members whose
// stagger has not elapsed yet.
const candidateFactor = 4

// SelectEligibleTasks returns the pending tasks that may run now, in the
// order they should run. It never writes.
func (s *Scheduler) SelectEligibleTasks(ctx context.Context) ([]models.PublishingTask, error) {
	now := s.now()
	limit := s.config.BatchSize
	candidates, err := s.store.SelectEligible(ctx, now, limit*candidateFactor)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	gates, err := s.batchGates(ctx, candidates)
	if err != nil {
		return nil, err
	}

	selected := make([]models.PublishingTask, 0, len(candidates))
	for i := range candidates {
		t := &candidates[i]
		if !isEligible(t, now) {
			continue
		}
		if t.BatchID != nil && !gates[*t.BatchID].admits(t) {
			continue
		}
		selected = append(selected, *t)
	}

	orderEligible(selected, now)
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	return selected, nil
}

// isEligible: pending, not held back by retry_at, and either a retry or a
// task whose (staggered) scheduled time has arrived. retry_at also holds
// back fresh tasks rejected for quota.
func isEligible(t *models.PublishingTask, now time.Time) bool {
	if t.Status != models.TaskStatusPending {
		return false
	}
	if t.RetryAt != nil && t.RetryAt.After(now) {
		return false
	}
	if t.IsRetry() {
		return true
	}
	return !t.EffectiveScheduledAt(now).After(now)
}

// orderEligible puts retries first, then sorts by effective scheduled time
// (null = now) and id.
func orderEligible(tasks []models.PublishingTask, now time.Time) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := &tasks[i], &tasks[j]
		if a.IsRetry() != b.IsRetry() {
			return a.IsRetry()
		}
		ta, tb := a.EffectiveScheduledAt(now), b.EffectiveScheduledAt(now)
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID < b.ID
	})
}

// batchGate holds a batch back to one member at a time, in batch_order.
type batchGate struct {
	hasRunning bool
	minOrder   int
}

func (g batchGate) admits(t *models.PublishingTask) bool {
	return !g.hasRunning && t.BatchOrder <= g.minOrder
}

func (s *Scheduler) batchGates(ctx context.Context, candidates []models.PublishingTask) (map[string]batchGate, error) {
	ids := make([]string, 0)
	seen := make(map[string]struct{})
	for i := range candidates {
		if b := candidates[i].BatchID; b != nil {
			if _, ok := seen[*b]; !ok {
				seen[*b] = struct{}{}
				ids = append(ids, *b)
			}
		}
	}
	gates := make(map[string]batchGate, len(ids))
	if len(ids) == 0 {
		return gates, nil
	}

	var rows []struct {
		BatchID  string
		Status   models.TaskStatus
		MinOrder int
	}
	if err := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Select("batch_id, status, MIN(batch_order) AS min_order").
		Where("batch_id IN ? AND status IN ?", ids, models.ActiveStatuses).
		Group("batch_id, status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load batch progress: %w", err)
	}

	for _, id := range ids {
		gates[id] = batchGate{minOrder: -1}
	}
	for _, r := range rows {
		g := gates[r.BatchID]
		if r.Status == models.TaskStatusRunning {
			g.hasRunning = true
		}
		if g.minOrder < 0 || r.MinOrder < g.minOrder {
			g.minOrder = r.MinOrder
		}
		gates[r.BatchID] = g
	}
	return gates, nil
}

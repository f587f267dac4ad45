package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/ripple-publish/internal/config"
)

// Maintenance runs the periodic housekeeping jobs: stuck task cleanup,
// orphaned reservation expiry and limiter pruning.
type Maintenance struct {
	cfg      config.MaintenanceConfig
	executor *Executor
	quota    *QuotaService
	limiter  *RateLimiter
	logger   *zap.Logger
	parser   cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

func NewMaintenance(cfg config.MaintenanceConfig, executor *Executor, quota *QuotaService, limiter *RateLimiter, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		cfg:      cfg,
		executor: executor,
		quota:    quota,
		limiter:  limiter,
		logger:   logger,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the jobs and starts the cron runner. Jobs run until Stop
// or until ctx is done.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(m.parser), cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"stale_cleanup", m.cfg.StaleCleanupSpec, m.CleanupStale},
		{"reservation_expiry", m.cfg.ReservationSpec, m.ExpireReservations},
		{"limiter_prune", m.cfg.LimiterPruneSpec, m.PruneLimiter},
	}
	for _, job := range jobs {
		run := job.run
		if _, err := c.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", job.spec, job.name, err)
		}
	}

	c.Start()
	m.c = c
	m.logger.Info("Maintenance jobs started",
		zap.String("stale_cleanup", m.cfg.StaleCleanupSpec),
		zap.String("reservation_expiry", m.cfg.ReservationSpec),
		zap.String("limiter_prune", m.cfg.LimiterPruneSpec))

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts the runner and waits for running jobs.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info("Maintenance jobs stopped")
}

func (m *Maintenance) CleanupStale(ctx context.Context) {
	n, err := m.executor.CleanupStuck(ctx, m.cfg.StaleAfterDuration())
	if err != nil {
		m.logger.Error("Stale task cleanup failed", zap.Error(err))
		return
	}
	m.logger.Debug("Stale task cleanup finished", zap.Int("cleaned", n))
}

func (m *Maintenance) ExpireReservations(ctx context.Context) {
	n, err := m.quota.CleanupExpired(ctx)
	if err != nil {
		m.logger.Error("Reservation expiry failed", zap.Error(err))
		return
	}
	m.logger.Debug("Reservation expiry finished", zap.Int("released", n))
}

func (m *Maintenance) PruneLimiter(context.Context) {
	removed := m.limiter.Prune(time.Hour)
	m.logger.Debug("Limiter pruned", zap.Int("keys_removed", removed), zap.Int("keys", m.limiter.Keys()))
}

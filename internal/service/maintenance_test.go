package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/ripple-publish/internal/config"
	"github.com/ifuryst/ripple-publish/internal/models"
)

func newTestMaintenance(t *testing.T, cfg config.MaintenanceConfig) (*testEngine, *RateLimiter, *Maintenance) {
	e := newTestEngine(t, newScriptedAdapter(succeed), ExecutorOptions{})
	limiter := NewRateLimiter(nil, zap.NewNop())
	return e, limiter, NewMaintenance(cfg, e.exec, e.quota, limiter, zap.NewNop())
}

func TestMaintenanceRejectsBadSchedule(t *testing.T) {
	_, _, m := newTestMaintenance(t, config.MaintenanceConfig{
		StaleCleanupSpec: "not a schedule",
		ReservationSpec:  "@every 1m",
		LimiterPruneSpec: "@every 1m",
	})
	assert.Error(t, m.Start(context.Background()))
}

func TestMaintenanceStartStop(t *testing.T) {
	_, _, m := newTestMaintenance(t, config.MaintenanceConfig{
		StaleCleanupSpec: "*/30 * * * * *",
		ReservationSpec:  "@every 1m",
		LimiterPruneSpec: "0 * * * *",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx))
	m.Stop()
	m.Stop()
}

func TestMaintenanceCleanupStale(t *testing.T) {
	e, _, m := newTestMaintenance(t, config.MaintenanceConfig{StaleAfter: "10m"})

	stuck := e.enqueue(t, nil, 1)
	exhausted := e.enqueue(t, nil, 0)
	fresh := e.enqueue(t, nil, 0)
	long := time.Now().UTC().Add(-time.Hour)
	for _, task := range []*models.PublishingTask{stuck, exhausted} {
		require.NoError(t, e.db.Model(task).Updates(map[string]any{"status": models.TaskStatusRunning, "started_at": long}).Error)
	}
	require.NoError(t, e.db.Model(fresh).Updates(map[string]any{"status": models.TaskStatusRunning, "started_at": time.Now().UTC()}).Error)

	m.CleanupStale(context.Background())

	retried := loadTask(t, e.db, stuck.ID)
	assert.Equal(t, models.TaskStatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, models.TaskStatusTimeout, loadTask(t, e.db, exhausted.ID).Status)
	assert.Equal(t, models.TaskStatusRunning, loadTask(t, e.db, fresh.ID).Status)
}

func TestMaintenancePruneLimiter(t *testing.T) {
	_, limiter, m := newTestMaintenance(t, config.MaintenanceConfig{})
	clock := &fakeClock{now: time.Now()}
	limiter.now = clock.Now

	limiter.RecordRequest("old")
	clock.Advance(2 * time.Hour)
	limiter.RecordRequest("recent")

	m.PruneLimiter(context.Background())
	assert.Equal(t, 1, limiter.Keys())
}

func TestMaintenanceExpireReservations(t *testing.T) {
	e, _, m := newTestMaintenance(t, config.MaintenanceConfig{})
	seedQuota(t, e.db, testTenant, 5, 0)

	r, err := e.quota.Reserve(context.Background(), testTenant, testFeature, 1, nil)
	require.NoError(t, err)
	e.quota.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	m.ExpireReservations(context.Background())
	assert.Equal(t, models.ReservationReleased, loadReservation(t, e.db, r.ID).Status)
	assert.Zero(t, loadQuota(t, e.db, testTenant).Used)
}

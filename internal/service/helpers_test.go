package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ifuryst/ripple-publish/internal/models"
	"github.com/ifuryst/ripple-publish/internal/service/adapter"
)

const (
	testTenant   = "tenant-a"
	testPlatform = "blog"
	testFeature  = "publish_per_month"
)

// newTestDB opens a private in-memory database with the production schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, tenant, platform string) *models.PlatformAccount {
	t.Helper()
	account := &models.PlatformAccount{TenantID: tenant, PlatformID: platform, Name: "acct-" + uuid.NewString()[:8], Enabled: true}
	require.NoError(t, db.Create(account).Error)
	return account
}

func seedArticle(t *testing.T, db *gorm.DB, tenant string) *models.Article {
	t.Helper()
	article := &models.Article{TenantID: tenant, Title: "Hello", Content: "Body", Keyword: "go", ImageURL: "https://img.example/1.png"}
	require.NoError(t, db.Create(article).Error)
	return article
}

func seedQuota(t *testing.T, db *gorm.DB, tenant string, limit, used int) {
	t.Helper()
	require.NoError(t, db.Create(&models.TenantQuota{TenantID: tenant, Feature: testFeature, QuotaLimit: limit, Used: used}).Error)
}

func loadTask(t *testing.T, db *gorm.DB, id uint) *models.PublishingTask {
	t.Helper()
	var task models.PublishingTask
	require.NoError(t, db.First(&task, id).Error)
	return &task
}

func loadArticle(t *testing.T, db *gorm.DB, id uint) *models.Article {
	t.Helper()
	var article models.Article
	require.NoError(t, db.Unscoped().First(&article, id).Error)
	return &article
}

func loadQuota(t *testing.T, db *gorm.DB, tenant string) *models.TenantQuota {
	t.Helper()
	var quota models.TenantQuota
	require.NoError(t, db.Where("tenant_id = ? AND feature = ?", tenant, testFeature).First(&quota).Error)
	return &quota
}

func loadReservation(t *testing.T, db *gorm.DB, id string) *models.QuotaReservation {
	t.Helper()
	var r models.QuotaReservation
	require.NoError(t, db.First(&r, "id = ?", id).Error)
	return &r
}

func logMessages(t *testing.T, db *gorm.DB, taskID uint) []string {
	t.Helper()
	var msgs []string
	require.NoError(t, db.Model(&models.PublishingLogEntry{}).
		Where("task_id = ?", taskID).Order("id ASC").Pluck("message", &msgs).Error)
	return msgs
}

// scriptedAdapter returns the next scripted step on every call, repeating
// the last one when the script runs out.
type scriptedAdapter struct {
	platform string

	mu       sync.Mutex
	steps    []func(ctx context.Context, req *adapter.Request) (*adapter.Outcome, error)
	calls    int
	requests []adapter.Request
}

func newScriptedAdapter(steps ...func(ctx context.Context, req *adapter.Request) (*adapter.Outcome, error)) *scriptedAdapter {
	return &scriptedAdapter{platform: testPlatform, steps: steps}
}

func (a *scriptedAdapter) PlatformID() string  { return a.platform }
func (a *scriptedAdapter) DisplayName() string { return "Scripted" }

func (a *scriptedAdapter) Publish(ctx context.Context, req *adapter.Request) (*adapter.Outcome, error) {
	a.mu.Lock()
	step := a.steps[len(a.steps)-1]
	if a.calls < len(a.steps) {
		step = a.steps[a.calls]
	}
	a.calls++
	a.requests = append(a.requests, *req)
	a.mu.Unlock()
	return step(ctx, req)
}

func (a *scriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func succeed(context.Context, *adapter.Request) (*adapter.Outcome, error) {
	return &adapter.Outcome{Success: true, ArtifactRef: "post-1", URL: "https://blog.example/post-1"}, nil
}

func failWith(msg string) func(context.Context, *adapter.Request) (*adapter.Outcome, error) {
	return func(context.Context, *adapter.Request) (*adapter.Outcome, error) {
		return &adapter.Outcome{Success: false, ErrorMessage: msg}, nil
	}
}

func blockUntilCancelled(ctx context.Context, _ *adapter.Request) (*adapter.Outcome, error) {
	<-ctx.Done()
	return nil, context.Cause(ctx)
}

type testEngine struct {
	db       *gorm.DB
	store    *TaskStore
	quota    *QuotaService
	registry *adapter.Registry
	bus      *EventBus
	exec     *Executor
}

// newTestEngine wires an executor around a scripted adapter. Late adapter
// results log from background goroutines, so a no-op logger is used.
func newTestEngine(t *testing.T, a adapter.Adapter, opts ExecutorOptions) *testEngine {
	t.Helper()
	log := zap.NewNop()
	db := newTestDB(t)

	registry := adapter.NewRegistry(log)
	if a != nil {
		require.NoError(t, registry.Register(a))
	}
	if opts.QuotaFeature == "" {
		opts.QuotaFeature = testFeature
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Millisecond
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 5 * time.Second
	}

	bus := NewEventBus(64, log)
	t.Cleanup(bus.Close)
	store := NewTaskStore(db, log)
	quota := NewQuotaService(db, log, 10*time.Minute)
	return &testEngine{
		db:       db,
		store:    store,
		quota:    quota,
		registry: registry,
		bus:      bus,
		exec:     NewExecutor(db, store, quota, registry, bus, log, opts),
	}
}

// enqueue inserts a task for the given article (nil for none) using a fresh
// account.
func (e *testEngine) enqueue(t *testing.T, articleID *uint, maxRetries int) *models.PublishingTask {
	t.Helper()
	account := seedAccount(t, e.db, testTenant, testPlatform)
	task := &models.PublishingTask{
		TenantID:     testTenant,
		ArticleID:    articleID,
		AccountID:    account.ID,
		PlatformID:   testPlatform,
		MaxRetries:   maxRetries,
		ArticleTitle: "Snapshot title",
	}
	require.NoError(t, e.store.Insert(context.Background(), task))
	return task
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/ripple-publish/internal/config"
	"github.com/ifuryst/ripple-publish/internal/models"
	"github.com/ifuryst/ripple-publish/internal/service"
	"github.com/ifuryst/ripple-publish/internal/service/adapter"
	"github.com/ifuryst/ripple-publish/internal/service/adapter/dryrun"
)

const tenant = "tenant-a"

func newTestServer(t *testing.T, rateLimits map[string]config.RateLimitRule) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Database:   config.DatabaseConfig{Type: "sqlite", Path: "file:" + uuid.NewString() + "?mode=memory&cache=shared"},
		RateLimits: rateLimits,
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	db, err := service.NewDatabase(&cfg.Database)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	log := zap.NewNop()
	registry := adapter.NewRegistry(log)
	require.NoError(t, registry.Register(dryrun.New("blog", "Blog", 0, log)))
	require.NoError(t, registry.Sync(context.Background(), db))

	srv := New(cfg, db, registry, log)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func (s *Server) seedAccount(t *testing.T) *models.PlatformAccount {
	t.Helper()
	account := &models.PlatformAccount{TenantID: tenant, PlatformID: "blog", Name: "acct-" + uuid.NewString()[:8], Enabled: true}
	require.NoError(t, s.DB.Create(account).Error)
	return account
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tenantHeader, tenant)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

type taskResponse struct {
	Task models.PublishingTask `json:"task"`
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestServer(t, nil)
	account := s.seedAccount(t)

	w := do(t, s, http.MethodPost, "/api/v1/tasks", gin.H{
		"tenant_id":   tenant,
		"platform_id": "blog",
		"title":       "Launch notes",
		"content":     "We shipped.",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[taskResponse](t, w).Task
	assert.Equal(t, account.ID, created.AccountID)
	assert.Equal(t, models.TaskStatusPending, created.Status)
	assert.Equal(t, 3, created.MaxRetries)

	w = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Launch notes", decode[taskResponse](t, w).Task.ArticleTitle)

	w = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d/logs", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Task created")

	w = do(t, s, http.MethodGet, "/api/v1/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestCreateTaskErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"missing tenant", gin.H{"platform_id": "blog"}, http.StatusBadRequest},
		{"unknown platform", gin.H{"tenant_id": tenant, "platform_id": "fax"}, http.StatusBadRequest},
		{"no account", gin.H{"tenant_id": tenant, "platform_id": "blog"}, http.StatusUnprocessableEntity},
		{"negative retries", gin.H{"tenant_id": tenant, "platform_id": "blog", "account_id": 1, "max_retries": -1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/api/v1/tasks", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/tasks/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/tasks/abc", nil).Code)
}

func TestCancelAndRetryTask(t *testing.T) {
	s := newTestServer(t, nil)
	account := s.seedAccount(t)

	w := do(t, s, http.MethodPost, "/api/v1/tasks", gin.H{"tenant_id": tenant, "platform_id": "blog", "account_id": account.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[taskResponse](t, w).Task.ID

	w = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/cancel", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.TaskStatusCancelled, decode[taskResponse](t, w).Task.Status)

	w = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/cancel", id), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/retry", id), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	fresh := decode[taskResponse](t, w).Task
	assert.NotEqual(t, id, fresh.ID)
	assert.Equal(t, models.TaskStatusPending, fresh.Status)

	// Only finished tasks can be re-enqueued.
	w = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/retry", fresh.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExecuteTaskNow(t *testing.T) {
	s := newTestServer(t, nil)
	account := s.seedAccount(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/api/v1/quota/"+tenant+"/publish_per_month", gin.H{"limit": 10}).Code)

	w := do(t, s, http.MethodPost, "/api/v1/tasks", gin.H{
		"tenant_id":    tenant,
		"platform_id":  "blog",
		"account_id":   account.ID,
		"title":        "Later",
		"scheduled_at": time.Now().UTC().Add(24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[taskResponse](t, w).Task.ID
	path := fmt.Sprintf("/api/v1/tasks/%d", id)

	w = do(t, s, http.MethodPost, path+"/execute", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	assert.Eventually(t, func() bool {
		w := do(t, s, http.MethodGet, path, nil)
		return w.Code == http.StatusOK && decode[taskResponse](t, w).Task.Status == models.TaskStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, path+"/execute", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/tasks/999/execute", nil).Code)
}

func TestDeleteTasks(t *testing.T) {
	s := newTestServer(t, nil)
	account := s.seedAccount(t)
	ids := make([]uint, 3)
	for i := range ids {
		w := do(t, s, http.MethodPost, "/api/v1/tasks", gin.H{"tenant_id": tenant, "platform_id": "blog", "account_id": account.ID})
		require.Equal(t, http.StatusCreated, w.Code)
		ids[i] = decode[taskResponse](t, w).Task.ID
	}

	path := fmt.Sprintf("/api/v1/tasks/%d", ids[0])
	require.Equal(t, http.StatusOK, do(t, s, http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, path, nil).Code)

	w := do(t, s, http.MethodPost, "/api/v1/tasks/batch-delete", gin.H{"task_ids": []uint{ids[1], ids[2], 999}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[struct {
		Deleted      []uint `json:"deleted"`
		DeletedCount int    `json:"deleted_count"`
		Missing      []uint `json:"missing"`
	}](t, w)
	assert.Equal(t, []uint{ids[1], ids[2]}, result.Deleted)
	assert.Equal(t, 2, result.DeletedCount)
	assert.Equal(t, []uint{999}, result.Missing)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/tasks/batch-delete", gin.H{}).Code)
}

func TestRateLimitedCreate(t *testing.T) {
	s := newTestServer(t, map[string]config.RateLimitRule{
		"task_create": {Window: "1m", MaxRequests: 2},
	})
	account := s.seedAccount(t)
	body := gin.H{"tenant_id": tenant, "platform_id": "blog", "account_id": account.ID}

	for i := 0; i < 2; i++ {
		w := do(t, s, http.MethodPost, "/api/v1/tasks", body)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, fmt.Sprint(1-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := do(t, s, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// Operations without a rule are not limited.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/tasks", nil).Code)
}

func TestBatchLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	s.seedAccount(t)
	s.seedAccount(t)

	w := do(t, s, http.MethodPost, "/api/v1/batches", gin.H{
		"tenant_id":        tenant,
		"interval_minutes": 5,
		"tasks": []gin.H{
			{"platform_id": "blog", "title": "one"},
			{"platform_id": "blog", "title": "two"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	batchID := decode[struct {
		BatchID string `json:"batch_id"`
	}](t, w).BatchID
	require.NotEmpty(t, batchID)

	w = do(t, s, http.MethodGet, "/api/v1/batches/"+batchID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[service.BatchInfo](t, w)
	assert.Equal(t, 2, info.Total)
	assert.Equal(t, 2, info.Pending)

	w = do(t, s, http.MethodPost, "/api/v1/batches/"+batchID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cancelled":2`)

	w = do(t, s, http.MethodDelete, "/api/v1/batches/"+batchID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deleted":2`)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/batches/"+batchID, nil).Code)
}

func TestQuotaEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	path := "/api/v1/quota/" + tenant + "/publish_per_month"

	w := do(t, s, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"has_quota":false`)

	w = do(t, s, http.MethodPut, path, gin.H{"limit": 10})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"has_quota":true`)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, path, gin.H{}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, path, gin.H{"limit": -3}).Code)

	w = do(t, s, http.MethodGet, "/api/v1/quota/"+tenant+"/reservations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reservations"`)
}

func TestQueueEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/api/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running":false`)

	w = do(t, s, http.MethodPost, "/api/v1/queue/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, s.Scheduler.IsRunning())

	w = do(t, s, http.MethodPost, "/api/v1/queue/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.Scheduler.IsRunning())

	w = do(t, s, http.MethodPost, "/api/v1/queue/cleanup", gin.H{"older_than_minutes": 5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"older_than":"5m0s"`)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "publishing_tasks_in_flight")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

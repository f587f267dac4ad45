package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/ripple-publish/internal/models"
)

func newTestBatches(t *testing.T) (*testEngine, *BatchController) {
	e := newTestEngine(t, newScriptedAdapter(succeed), ExecutorOptions{})
	return e, NewBatchController(e.db, e.store, e.exec, e.bus, zap.NewNop(), 3)
}

func batchRequest(t *testing.T, e *testEngine, n int) *BatchRequest {
	t.Helper()
	req := &BatchRequest{TenantID: testTenant, IntervalMinutes: 15}
	for i := 0; i < n; i++ {
		account := seedAccount(t, e.db, testTenant, testPlatform)
		req.Tasks = append(req.Tasks, BatchTask{AccountID: account.ID, PlatformID: testPlatform, Title: "Part"})
	}
	return req
}

func TestCreateBatch(t *testing.T) {
	e, batches := newTestBatches(t)
	req := batchRequest(t, e, 3)
	start := time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)
	req.ScheduledAt = &start

	batchID, tasks, err := batches.CreateBatch(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, batchID)
	require.Len(t, tasks, 3)

	for i, task := range tasks {
		got := loadTask(t, e.db, task.ID)
		require.NotNil(t, got.BatchID)
		assert.Equal(t, batchID, *got.BatchID)
		assert.Equal(t, i, got.BatchOrder)
		assert.Equal(t, 15, got.IntervalMinutes)
		assert.Equal(t, 3, got.MaxRetries)
		require.NotNil(t, got.ScheduledAt)
		assert.True(t, start.Equal(*got.ScheduledAt))
		want := start.Add(time.Duration(15*i) * time.Minute)
		assert.True(t, want.Equal(got.EffectiveScheduledAt(time.Now())), "member %d due at %s", i, want)
	}
}

func TestCreateBatchIsAllOrNothing(t *testing.T) {
	e, batches := newTestBatches(t)
	req := batchRequest(t, e, 2)
	req.Tasks = append(req.Tasks, BatchTask{PlatformID: testPlatform})

	_, _, err := batches.CreateBatch(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidTask)

	var n int64
	require.NoError(t, e.db.Model(&models.PublishingTask{}).Count(&n).Error)
	assert.Zero(t, n)

	_, _, err = batches.CreateBatch(context.Background(), &BatchRequest{TenantID: testTenant})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestGetBatchInfoCounts(t *testing.T) {
	e, batches := newTestBatches(t)
	batchID, tasks, err := batches.CreateBatch(context.Background(), batchRequest(t, e, 6))
	require.NoError(t, err)

	statuses := []models.TaskStatus{
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusTimeout,
		models.TaskStatusCancelled,
		models.TaskStatusRunning,
	}
	for i, status := range statuses {
		require.NoError(t, e.db.Model(&models.PublishingTask{}).Where("id = ?", tasks[i].ID).Update("status", status).Error)
	}

	info, err := batches.GetBatchInfo(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 6, info.Total)
	assert.Equal(t, 1, info.Pending)
	assert.Equal(t, 1, info.Running)
	assert.Equal(t, 1, info.Completed)
	assert.Equal(t, 2, info.Failed)
	assert.Equal(t, 1, info.TimedOut)
	assert.Equal(t, 1, info.Cancelled)
	assert.Equal(t, info.Total, info.Pending+info.Running+info.Completed+info.Failed+info.Cancelled)
	assert.Len(t, info.Tasks, 6)

	_, err = batches.GetBatchInfo(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestStopBatch(t *testing.T) {
	e, batches := newTestBatches(t)
	article := seedArticle(t, e.db, testTenant)
	req := batchRequest(t, e, 3)
	for i := range req.Tasks {
		req.Tasks[i].ArticleID = &article.ID
	}
	batchID, tasks, err := batches.CreateBatch(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, e.db.Model(&models.PublishingTask{}).Where("id = ?", tasks[0].ID).Update("status", models.TaskStatusCompleted).Error)

	n, err := batches.StopBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, models.TaskStatusCompleted, loadTask(t, e.db, tasks[0].ID).Status)
	for _, task := range tasks[1:] {
		got := loadTask(t, e.db, task.ID)
		assert.Equal(t, models.TaskStatusCancelled, got.Status)
		assert.Equal(t, batchStopMessage, got.ErrorMessage)
	}
	assert.Nil(t, loadArticle(t, e.db, article.ID).PublishingStatus)

	// Stopping again finds nothing left to cancel.
	n, err = batches.StopBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = batches.StopBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestDeleteBatch(t *testing.T) {
	e, batches := newTestBatches(t)
	batchID, tasks, err := batches.CreateBatch(context.Background(), batchRequest(t, e, 2))
	require.NoError(t, err)
	loose := e.enqueue(t, nil, 0)

	n, err := batches.DeleteBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var remaining int64
	require.NoError(t, e.db.Model(&models.PublishingTask{}).Count(&remaining).Error)
	assert.EqualValues(t, 1, remaining)
	assert.Empty(t, logMessages(t, e.db, tasks[0].ID))
	assert.NotEmpty(t, logMessages(t, e.db, loose.ID))

	_, err = batches.DeleteBatch(context.Background(), batchID)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

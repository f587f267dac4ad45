package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/ripple-publish/internal/models"
)

// TaskStore is the durable home of tasks and their logs.
type TaskStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewTaskStore(db *gorm.DB, logger *zap.Logger) *TaskStore {
	return &TaskStore{db: db, logger: logger}
}

// Insert stores a new pending task and claims its article in the same
// transaction. Empty snapshot fields are filled from the article.
func (s *TaskStore) Insert(ctx context.Context, task *models.PublishingTask) error {
	return WithTx(ctx, s.db, func(tx *gorm.DB) error {
		return s.InsertTx(tx, task)
	})
}

func (s *TaskStore) InsertTx(tx *gorm.DB, task *models.PublishingTask) error {
	if task.TenantID == "" || task.PlatformID == "" || task.AccountID == 0 {
		return fmt.Errorf("%w: tenant, platform and account are required", ErrInvalidTask)
	}
	if task.MaxRetries < 0 || task.BatchOrder < 0 || task.IntervalMinutes < 0 {
		return fmt.Errorf("%w: negative retry or batch settings", ErrInvalidTask)
	}
	if len(task.Config) > 0 && !json.Valid(task.Config) {
		return fmt.Errorf("%w: config is not valid JSON", ErrInvalidTask)
	}

	task.ID = 0
	task.Status = models.TaskStatusPending
	task.RetryCount = 0
	task.StartedAt = nil
	task.CompletedAt = nil
	task.RetryAt = nil
	task.ReservationID = nil
	task.ErrorMessage = ""
	if task.ScheduledAt != nil {
		utc := task.ScheduledAt.UTC()
		task.ScheduledAt = &utc
	}

	if task.ArticleID != nil {
		var article models.Article
		err := tx.Where("id = ? AND tenant_id = ?", *task.ArticleID, task.TenantID).First(&article).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: article %d not found", ErrInvalidTask, *task.ArticleID)
		}
		if err != nil {
			return fmt.Errorf("failed to load article: %w", err)
		}
		fillSnapshot(task, &article)

		if err := tx.Model(&models.Article{}).Where("id = ?", article.ID).
			UpdateColumn("publishing_status", models.ArticleStatusPublishing).Error; err != nil {
			return fmt.Errorf("failed to lock article: %w", err)
		}
	}

	if err := tx.Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return appendLogTx(tx, task.ID, models.LogLevelInfo, "Task created", map[string]any{
		"platform":     task.PlatformID,
		"account_id":   task.AccountID,
		"scheduled_at": task.ScheduledAt,
	})
}

func fillSnapshot(task *models.PublishingTask, article *models.Article) {
	if task.ArticleTitle == "" {
		task.ArticleTitle = article.Title
	}
	if task.ArticleContent == "" {
		task.ArticleContent = article.Content
	}
	if task.ArticleKeyword == "" {
		task.ArticleKeyword = article.Keyword
	}
	if task.ArticleImageURL == "" {
		task.ArticleImageURL = article.ImageURL
	}
}

func (s *TaskStore) Get(ctx context.Context, id uint) (*models.PublishingTask, error) {
	return getTask(s.db.WithContext(ctx), id)
}

func getTask(tx *gorm.DB, id uint) (*models.PublishingTask, error) {
	var task models.PublishingTask
	err := tx.First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

// UpdateStatus moves a task to status `to` only if it is currently in one of
// `from`. ErrStatusConflict means another actor got there first.
func (s *TaskStore) UpdateStatus(ctx context.Context, id uint, from []models.TaskStatus, to models.TaskStatus, fields map[string]any) error {
	return WithTx(ctx, s.db, func(tx *gorm.DB) error {
		return updateStatusTx(tx, id, from, to, fields)
	})
}

func updateStatusTx(tx *gorm.DB, id uint, from []models.TaskStatus, to models.TaskStatus, fields map[string]any) error {
	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to

	res := tx.Model(&models.PublishingTask{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var exists int64
	if err := tx.Model(&models.PublishingTask{}).Where("id = ?", id).Count(&exists).Error; err != nil {
		return fmt.Errorf("failed to check task %d: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return fmt.Errorf("%w: task %d is not %v", ErrStatusConflict, id, from)
}

// SelectEligible returns pending tasks that are due: retries regardless of
// scheduled_at, others once scheduled_at has passed or when it is null.
// Tasks whose retry_at is still ahead, tasks on disabled platforms and batch
// members queued behind an earlier active member are left out. Retries come
// first, then by scheduled_at with nulls treated as now.
func (s *TaskStore) SelectEligible(ctx context.Context, now time.Time, limit int) ([]models.PublishingTask, error) {
	disabled := s.db.Model(&models.Platform{}).Select("name").Where("enabled = ?", false)
	query := s.db.WithContext(ctx).
		Where("status = ?", models.TaskStatusPending).
		Where("(retry_at IS NULL OR retry_at <= ?)", now).
		Where("(retry_count > 0 OR scheduled_at IS NULL OR scheduled_at <= ?)", now).
		Where("platform_id NOT IN (?)", disabled).
		Where("(batch_id IS NULL OR batch_order <= (SELECT MIN(b.batch_order) FROM publishing_tasks b"+
			" WHERE b.batch_id = publishing_tasks.batch_id AND b.status IN ?))", models.ActiveStatuses).
		Clauses(clause.OrderBy{Expression: clause.Expr{
			SQL:                "CASE WHEN retry_count > 0 THEN 0 ELSE 1 END, COALESCE(scheduled_at, ?), id",
			Vars:               []any{now},
			WithoutParentheses: true,
		}})
	if limit > 0 {
		query = query.Limit(limit)
	}

	var tasks []models.PublishingTask
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to select eligible tasks: %w", err)
	}
	return tasks, nil
}

// deleteTasksTx removes the given tasks together with their logs.
func deleteTasksTx(tx *gorm.DB, ids []uint) (int64, error) {
	if err := tx.Where("task_id IN ?", ids).Delete(&models.PublishingLogEntry{}).Error; err != nil {
		return 0, fmt.Errorf("failed to delete task logs: %w", err)
	}
	res := tx.Where("id IN ?", ids).Delete(&models.PublishingTask{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListByBatch returns batch members in execution order.
func (s *TaskStore) ListByBatch(ctx context.Context, batchID string) ([]models.PublishingTask, error) {
	var tasks []models.PublishingTask
	if err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("batch_order ASC, id ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list batch %s: %w", batchID, err)
	}
	return tasks, nil
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *TaskStore) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]models.PublishingTask, error) {
	query := s.db.WithContext(ctx).Where("status = ?", status).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var tasks []models.PublishingTask
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", status, err)
	}
	return tasks, nil
}

// CountByStatus returns the number of tasks per status across all tenants.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[models.TaskStatus]int64, error) {
	var rows []struct {
		Status models.TaskStatus
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.PublishingTask{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	counts := make(map[models.TaskStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *TaskStore) AppendLog(ctx context.Context, taskID uint, level models.LogLevel, message string, details map[string]any) error {
	return appendLogTx(s.db.WithContext(ctx), taskID, level, message, details)
}

func appendLogTx(tx *gorm.DB, taskID uint, level models.LogLevel, message string, details map[string]any) error {
	entry := &models.PublishingLogEntry{
		TaskID:  taskID,
		Level:   level,
		Message: message,
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode log details: %w", err)
		}
		entry.Details = datatypes.JSON(raw)
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

// ListLogs returns a task's log entries in the order they were written.
func (s *TaskStore) ListLogs(ctx context.Context, taskID uint) ([]models.PublishingLogEntry, error) {
	var logs []models.PublishingLogEntry
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	return logs, nil
}

// releaseArticleLock frees the task's article unless another pending or
// running task still references it.
func releaseArticleLock(tx *gorm.DB, task *models.PublishingTask) error {
	if task.ArticleID == nil {
		return nil
	}

	var others int64
	if err := tx.Model(&models.PublishingTask{}).
		Where("article_id = ? AND id <> ? AND status IN ?", *task.ArticleID, task.ID, models.ActiveStatuses).
		Count(&others).Error; err != nil {
		return fmt.Errorf("failed to check article %d: %w", *task.ArticleID, err)
	}
	if others > 0 {
		return nil
	}

	if err := tx.Model(&models.Article{}).Where("id = ?", *task.ArticleID).
		UpdateColumn("publishing_status", nil).Error; err != nil {
		return fmt.Errorf("failed to release article %d: %w", *task.ArticleID, err)
	}
	return nil
}

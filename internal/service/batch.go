package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ifuryst/ripple-publish/internal/models"
)

type BatchTask struct {
	ArticleID  *uint          `json:"article_id,omitempty"`
	AccountID  uint           `json:"account_id"`
	PlatformID string         `json:"platform_id" binding:"required"`
	Config     datatypes.JSON `json:"config,omitempty"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content,omitempty"`
	Keyword    string         `json:"keyword,omitempty"`
	ImageURL   string         `json:"image_url,omitempty"`
}

type BatchRequest struct {
	TenantID        string      `json:"tenant_id" binding:"required"`
	ScheduledAt     *time.Time  `json:"scheduled_at,omitempty"`
	IntervalMinutes int         `json:"interval_minutes"`
	MaxRetries      *int        `json:"max_retries,omitempty"`
	Tasks           []BatchTask `json:"tasks" binding:"required,min=1,dive"`
}

// BatchInfo rolls up a batch by status. Failed includes timed out members,
// which are also counted on their own in TimedOut.
type BatchInfo struct {
	BatchID   string                  `json:"batch_id"`
	Total     int                     `json:"total"`
	Pending   int                     `json:"pending"`
	Running   int                     `json:"running"`
	Completed int                     `json:"completed"`
	Failed    int                     `json:"failed"`
	Cancelled int                     `json:"cancelled"`
	TimedOut  int                     `json:"timed_out"`
	Tasks     []models.PublishingTask `json:"tasks,omitempty"`
}

// BatchController manages groups of tasks that run one after another with a
// fixed spacing.
type BatchController struct {
	db                *gorm.DB
	store             *TaskStore
	executor          *Executor
	bus               *EventBus
	logger            *zap.Logger
	defaultMaxRetries int
	now               func() time.Time
}

func NewBatchController(db *gorm.DB, store *TaskStore, executor *Executor, bus *EventBus, logger *zap.Logger, defaultMaxRetries int) *BatchController {
	return &BatchController{
		db:                db,
		store:             store,
		executor:          executor,
		bus:               bus,
		logger:            logger,
		defaultMaxRetries: defaultMaxRetries,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// CreateBatch inserts every member in one transaction. Members share the
// batch start and are offset from it by batch_order × interval_minutes.
func (b *BatchController) CreateBatch(ctx context.Context, req *BatchRequest) (string, []models.PublishingTask, error) {
	if len(req.Tasks) == 0 {
		return "", nil, fmt.Errorf("%w: batch has no tasks", ErrInvalidTask)
	}
	if req.IntervalMinutes < 0 {
		return "", nil, fmt.Errorf("%w: negative interval", ErrInvalidTask)
	}

	batchID := uuid.NewString()
	start := b.now()
	if req.ScheduledAt != nil {
		start = req.ScheduledAt.UTC()
	}
	maxRetries := b.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	var tasks []models.PublishingTask
	err := WithTx(ctx, b.db, func(tx *gorm.DB) error {
		tasks = make([]models.PublishingTask, 0, len(req.Tasks))
		for i, item := range req.Tasks {
			anchor := start
			task := models.PublishingTask{
				TenantID:        req.TenantID,
				ArticleID:       item.ArticleID,
				AccountID:       item.AccountID,
				PlatformID:      item.PlatformID,
				Config:          item.Config,
				ScheduledAt:     &anchor,
				MaxRetries:      maxRetries,
				BatchID:         &batchID,
				BatchOrder:      i,
				IntervalMinutes: req.IntervalMinutes,
				ArticleTitle:    item.Title,
				ArticleContent:  item.Content,
				ArticleKeyword:  item.Keyword,
				ArticleImageURL: item.ImageURL,
			}
			if err := b.store.InsertTx(tx, &task); err != nil {
				return fmt.Errorf("batch member %d: %w", i, err)
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	b.logger.Info("Batch created",
		zap.String("batch_id", batchID),
		zap.String("tenant_id", req.TenantID),
		zap.Int("tasks", len(tasks)),
		zap.Int("interval_minutes", req.IntervalMinutes))
	if b.bus != nil {
		for i := range tasks {
			b.bus.Publish(NewTaskEvent(EventTaskCreated, &tasks[i], "batch member"))
		}
	}
	return batchID, tasks, nil
}

func (b *BatchController) GetBatchInfo(ctx context.Context, batchID string) (*BatchInfo, error) {
	tasks, err := b.store.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	info := summarizeBatch(batchID, tasks)
	info.Tasks = tasks
	return info, nil
}

func summarizeBatch(batchID string, tasks []models.PublishingTask) *BatchInfo {
	info := &BatchInfo{BatchID: batchID, Total: len(tasks)}
	for i := range tasks {
		switch tasks[i].Status {
		case models.TaskStatusPending:
			info.Pending++
		case models.TaskStatusRunning:
			info.Running++
		case models.TaskStatusCompleted:
			info.Completed++
		case models.TaskStatusFailed:
			info.Failed++
		case models.TaskStatusTimeout:
			info.Failed++
			info.TimedOut++
		case models.TaskStatusCancelled:
			info.Cancelled++
		}
	}
	return info
}

// StopBatch cancels every member that has not finished and returns how many
// were cancelled.
func (b *BatchController) StopBatch(ctx context.Context, batchID string) (int, error) {
	tasks, err := b.store.ListByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}

	ids := make([]uint, 0, len(tasks))
	for i := range tasks {
		if !tasks[i].Status.IsTerminal() {
			ids = append(ids, tasks[i].ID)
		}
	}

	n, err := b.executor.CancelTasks(ctx, ids, batchStopMessage)
	if err != nil {
		return 0, err
	}
	b.logger.Info("Batch stopped", zap.String("batch_id", batchID), zap.Int("cancelled", n))
	return n, nil
}

// DeleteBatch stops the batch, then removes its tasks and their logs.
// Publishing records are history and stay.
func (b *BatchController) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	if _, err := b.StopBatch(ctx, batchID); err != nil {
		return 0, err
	}

	var deleted int64
	err := WithTx(ctx, b.db, func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.PublishingTask{}).Where("batch_id = ?", batchID).Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("failed to load batch %s: %w", batchID, err)
		}
		if len(ids) == 0 {
			deleted = 0
			return nil
		}
		n, err := deleteTasksTx(tx, ids)
		deleted = n
		return err
	})
	if err != nil {
		return 0, err
	}

	b.logger.Info("Batch deleted", zap.String("batch_id", batchID), zap.Int64("tasks", deleted))
	return int(deleted), nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/ripple-publish/internal/models"
	"github.com/ifuryst/ripple-publish/internal/service/adapter"
	"github.com/ifuryst/ripple-publish/pkg/retry"
	"github.com/ifuryst/ripple-publish/pkg/util"
)

const (
	manualCancelMessage = "Task cancelled manually by user"
	batchStopMessage    = "Batch stopped manually by user"
	deleteMessage       = "Task deleted by user"
)

var (
	errCancelledManually = errors.New("task cancelled manually")
	errExecutionTimeout  = errors.New("execution exceeded its time budget")

	dedupeNamespace = uuid.MustParse("6f0e2a5c-8a3f-4d7e-9c51-3b1f0f6d2e47")

	pendingOnly = []models.TaskStatus{models.TaskStatusPending}
	runningOnly = []models.TaskStatus{models.TaskStatusRunning}
)

type ExecutorOptions struct {
	QuotaFeature   string
	DefaultTimeout time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	QuotaRecheck   time.Duration
}

// Executor owns every write to a task after it is created. Each transition
// commits the task status together with the article lock and the quota
// reservation it affects.
type Executor struct {
	db       *gorm.DB
	store    *TaskStore
	quota    *QuotaService
	adapters *adapter.Registry
	bus      *EventBus
	logger   *zap.Logger
	opts     ExecutorOptions
	now      func() time.Time

	mu       sync.Mutex
	inflight map[uint]context.CancelCauseFunc
}

func NewExecutor(db *gorm.DB, store *TaskStore, quota *QuotaService, adapters *adapter.Registry, bus *EventBus, logger *zap.Logger, opts ExecutorOptions) *Executor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Minute
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Minute
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 30 * time.Minute
	}
	if opts.QuotaRecheck <= 0 {
		opts.QuotaRecheck = 5 * time.Minute
	}
	return &Executor{
		db:       db,
		store:    store,
		quota:    quota,
		adapters: adapters,
		bus:      bus,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[uint]context.CancelCauseFunc),
	}
}

type attemptResult struct {
	outcome *adapter.Outcome
	err     error
}

// invocation is what came back from the adapter. cause is set when the
// deadline or a cancel fired; late is set when the adapter was abandoned
// and its result will still arrive.
type invocation struct {
	attemptResult
	cause error
	late  <-chan attemptResult
}

// Execute drives one pending task: claim, adapter call, finalize. A nil
// return means the task reached a resting state, which includes being
// scheduled for retry or having been cancelled mid-flight.
func (e *Executor) Execute(ctx context.Context, taskID uint) error {
	task, err := e.claim(ctx, taskID)
	if err != nil {
		return e.claimFailed(ctx, taskID, err)
	}
	e.publish(EventTaskRunning, task, "", 0)

	err = e.run(ctx, task)
	if errors.Is(err, ErrStatusConflict) {
		// The task left running underneath us, normally through a cancel
		// issued by another process.
		return nil
	}
	return err
}

func (e *Executor) run(ctx context.Context, task *models.PublishingTask) error {
	pub, err := e.adapters.Get(task.PlatformID)
	if err != nil {
		return e.finalizeTerminal(ctx, task, runningOnly, models.TaskStatusFailed, err.Error(), 0)
	}
	req, err := buildRequest(task)
	if err != nil {
		return e.finalizeTerminal(ctx, task, runningOnly, models.TaskStatusFailed, err.Error(), 0)
	}

	timeout := e.taskTimeout(task)
	started := time.Now()
	inv := e.invoke(ctx, task, pub, req, timeout)
	elapsed := time.Since(started)
	if inv.late != nil {
		e.watchLateResult(task, inv.late)
	}

	// Finalizing must survive a shutdown that cancelled ctx.
	err = e.finalize(context.WithoutCancel(ctx), task, inv, timeout, elapsed)
	if errors.Is(err, ErrStatusConflict) && inv.late == nil {
		// The adapter returned, but the task was settled elsewhere meanwhile.
		e.recordLateResult(task, inv.attemptResult)
	}
	return err
}

func (e *Executor) finalize(ctx context.Context, task *models.PublishingTask, inv invocation, timeout, elapsed time.Duration) error {
	switch {
	case errors.Is(inv.cause, errCancelledManually):
		// The cancel transaction already committed.
		return nil
	case errors.Is(inv.cause, errExecutionTimeout):
		msg := fmt.Sprintf("Execution exceeded timeout of %s", timeout)
		return e.finalizeTerminal(ctx, task, runningOnly, models.TaskStatusTimeout, msg, elapsed)
	case inv.cause != nil:
		return e.failAttempt(ctx, task, "Execution interrupted: "+inv.cause.Error(), false, elapsed)
	case inv.err != nil:
		return e.failAttempt(ctx, task, inv.err.Error(), adapter.IsFatal(inv.err), elapsed)
	case inv.outcome == nil:
		return e.failAttempt(ctx, task, "adapter returned no outcome", false, elapsed)
	case !inv.outcome.Success:
		msg := inv.outcome.ErrorMessage
		if msg == "" {
			msg = "adapter reported failure"
		}
		return e.failAttempt(ctx, task, msg, false, elapsed)
	default:
		return e.complete(ctx, task, inv.outcome, elapsed)
	}
}

// invoke runs the adapter under the task's time budget. The adapter is
// abandoned rather than awaited once the budget is spent or the task is
// cancelled.
func (e *Executor) invoke(ctx context.Context, task *models.PublishingTask, pub adapter.Adapter, req *adapter.Request, timeout time.Duration) invocation {
	runCtx, cancel := context.WithCancelCause(ctx)
	e.track(task.ID, cancel)
	defer func() {
		e.untrack(task.ID)
		cancel(nil)
	}()

	deadlineCtx, stop := context.WithTimeoutCause(runCtx, timeout, errExecutionTimeout)
	defer stop()

	results := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- attemptResult{err: fmt.Errorf("adapter panicked: %v", r)}
			}
		}()
		out, err := pub.Publish(deadlineCtx, req)
		results <- attemptResult{outcome: out, err: err}
	}()

	select {
	case r := <-results:
		inv := invocation{attemptResult: r}
		if r.err != nil {
			inv.cause = context.Cause(deadlineCtx)
		}
		return inv
	case <-deadlineCtx.Done():
		return invocation{cause: context.Cause(deadlineCtx), late: results}
	}
}

func (e *Executor) claim(ctx context.Context, taskID uint) (*models.PublishingTask, error) {
	var claimed *models.PublishingTask
	err := WithTx(ctx, e.db, func(tx *gorm.DB) error {
		var task models.PublishingTask
		err := lockRows(tx).First(&task, taskID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusPending {
			return fmt.Errorf("%w: task %d is %s", ErrStatusConflict, taskID, task.Status)
		}

		if task.ArticleID != nil {
			// Lock the article so concurrent claims for it serialize.
			var article models.Article
			err := lockRows(tx).Unscoped().Select("id").Where("id = ?", *task.ArticleID).Take(&article).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			var running int64
			if err := tx.Model(&models.PublishingTask{}).
				Where("article_id = ? AND id <> ? AND status = ?", *task.ArticleID, task.ID, models.TaskStatusRunning).
				Count(&running).Error; err != nil {
				return err
			}
			if running > 0 {
				return fmt.Errorf("%w: article %d", ErrArticleBusy, *task.ArticleID)
			}
		}

		now := e.now()
		if err := touchAccount(tx, &task, now); err != nil {
			return err
		}

		reservationID := task.ReservationID
		held, err := reservationHeld(tx, reservationID)
		if err != nil {
			return err
		}
		if !held {
			// Quota is checked before the adapter may run; an exhausted
			// quota rolls the whole claim back.
			reservation, err := e.quota.ReserveTx(tx, task.TenantID, e.opts.QuotaFeature, 1, &task.ID)
			if err != nil {
				return err
			}
			reservationID = &reservation.ID
		}

		if err := updateStatusTx(tx, task.ID, pendingOnly, models.TaskStatusRunning, map[string]any{
			"started_at":     now,
			"reservation_id": reservationID,
		}); err != nil {
			return err
		}
		if err := appendLogTx(tx, task.ID, models.LogLevelInfo, "Task started", map[string]any{
			"attempt":        task.RetryCount + 1,
			"reservation_id": *reservationID,
		}); err != nil {
			return err
		}

		task.Status = models.TaskStatusRunning
		task.StartedAt = &now
		task.ReservationID = reservationID
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func reservationHeld(tx *gorm.DB, id *string) (bool, error) {
	if id == nil {
		return false, nil
	}
	var count int64
	if err := tx.Model(&models.QuotaReservation{}).
		Where("id = ? AND status = ?", *id, models.ReservationReserved).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (e *Executor) claimFailed(ctx context.Context, taskID uint, err error) error {
	var quotaErr *QuotaError
	switch {
	case errors.As(err, &quotaErr):
		// Not a task failure: the task stays pending with its retry budget.
		if task, holdErr := e.holdForQuota(ctx, taskID, quotaErr); holdErr == nil {
			e.publish(EventQuotaRejected, task, quotaErr.Error(), 0)
		}
		return err
	case errors.Is(err, ErrAccountNotFound):
		task, getErr := e.store.Get(ctx, taskID)
		if getErr != nil {
			return getErr
		}
		return e.finalizeTerminal(ctx, task, pendingOnly, models.TaskStatusFailed, err.Error(), 0)
	default:
		return err
	}
}

// holdForQuota pushes retry_at out so the scheduler does not claim the task
// again on every poll. retry_count is left alone.
func (e *Executor) holdForQuota(ctx context.Context, taskID uint, quotaErr *QuotaError) (*models.PublishingTask, error) {
	recheckAt := e.now().Add(e.opts.QuotaRecheck)
	err := WithTx(ctx, e.db, func(tx *gorm.DB) error {
		if err := updateStatusTx(tx, taskID, pendingOnly, models.TaskStatusPending, map[string]any{
			"retry_at": recheckAt,
		}); err != nil {
			return err
		}
		return appendLogTx(tx, taskID, models.LogLevelWarn, "Held back by insufficient quota", map[string]any{
			"feature":    quotaErr.Feature,
			"remaining":  quotaErr.Remaining,
			"limit":      quotaErr.Limit,
			"recheck_at": recheckAt,
		})
	})
	if err != nil {
		e.logger.Warn("Failed to hold back quota-rejected task", zap.Uint("task_id", taskID), zap.Error(err))
		return nil, err
	}
	return e.store.Get(ctx, taskID)
}

func (e *Executor) complete(ctx context.Context, task *models.PublishingTask, outcome *adapter.Outcome, elapsed time.Duration) error {
	now := e.now()
	publishedAt := outcome.PublishedAt.UTC()
	if outcome.PublishedAt.IsZero() {
		publishedAt = now
	}

	err := WithTx(ctx, e.db, func(tx *gorm.DB) error {
		if err := updateStatusTx(tx, task.ID, runningOnly, models.TaskStatusCompleted, map[string]any{
			"completed_at":  now,
			"error_message": "",
		}); err != nil {
			return err
		}
		if task.ReservationID != nil {
			if err := e.quota.ConfirmTx(tx, *task.ReservationID); err != nil {
				return err
			}
		}
		if err := releaseArticleLock(tx, task); err != nil {
			return err
		}
		if task.ArticleID != nil {
			if err := tx.Model(&models.Article{}).Where("id = ?", *task.ArticleID).
				Updates(map[string]any{"is_published": true, "published_at": publishedAt}).Error; err != nil {
				return fmt.Errorf("failed to mark article published: %w", err)
			}
		}
		if err := tx.Create(&models.PublishingRecord{
			TenantID:    task.TenantID,
			ArticleID:   task.ArticleID,
			TaskID:      task.ID,
			AccountID:   task.AccountID,
			PlatformID:  task.PlatformID,
			ArtifactRef: outcome.ArtifactRef,
			URL:         outcome.URL,
			PublishedAt: publishedAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to record publication: %w", err)
		}
		return appendLogTx(tx, task.ID, models.LogLevelInfo, "Task completed", map[string]any{
			"artifact_ref": outcome.ArtifactRef,
			"url":          outcome.URL,
			"duration_ms":  elapsed.Milliseconds(),
		})
	})
	if err != nil {
		return e.finalizeFailed(task, "complete", err)
	}

	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	task.ErrorMessage = ""
	e.publish(EventTaskCompleted, task, outcome.URL, elapsed)
	return nil
}

// failAttempt sends a failed attempt back to pending while retries remain,
// otherwise to failed.
func (e *Executor) failAttempt(ctx context.Context, task *models.PublishingTask, msg string, fatal bool, elapsed time.Duration) error {
	if fatal || task.RetryCount >= task.MaxRetries {
		return e.finalizeTerminal(ctx, task, runningOnly, models.TaskStatusFailed, msg, elapsed)
	}
	return e.scheduleRetry(ctx, task, msg, elapsed)
}

// scheduleRetry keeps the article lock and the quota reservation; both
// carry over to the next attempt.
func (e *Executor) scheduleRetry(ctx context.Context, task *models.PublishingTask, msg string, elapsed time.Duration) error {
	next := task.RetryCount + 1
	retryAt := e.now().Add(retry.Backoff(e.opts.RetryBaseDelay, next, e.opts.RetryMaxDelay))

	err := WithTx(ctx, e.db, func(tx *gorm.DB) error {
		if err := updateStatusTx(tx, task.ID, runningOnly, models.TaskStatusPending, map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"started_at":    nil,
			"retry_at":      retryAt,
			"error_message": msg,
		}); err != nil {
			return err
		}
		return appendLogTx(tx, task.ID, models.LogLevelWarn, "Attempt failed, retry scheduled", map[string]any{
			"error":       msg,
			"retry_count": next,
			"max_retries": task.MaxRetries,
			"retry_at":    retryAt,
		})
	})
	if err != nil {
		return e.finalizeFailed(task, "retry", err)
	}

	task.Status = models.TaskStatusPending
	task.RetryCount = next
	task.StartedAt = nil
	task.RetryAt = &retryAt
	task.ErrorMessage = msg
	e.publish(EventTaskRetrying, task, msg, elapsed)
	return nil
}

// finalizeTerminal moves the task to failed or timeout, releasing the
// article lock and returning the reserved quota.
func (e *Executor) finalizeTerminal(ctx context.Context, task *models.PublishingTask, from []models.TaskStatus, to models.TaskStatus, msg string, elapsed time.Duration) error {
	now := e.now()
	err := WithTx(ctx, e.db, func(tx *gorm.DB) error {
		if err := updateStatusTx(tx, task.ID, from, to, map[string]any{
			"completed_at":  now,
			"error_message": msg,
		}); err != nil {
			return err
		}
		if err := e.releaseReservationTx(tx, task, string(to)); err != nil {
			return err
		}
		if err := releaseArticleLock(tx, task); err != nil {
			return err
		}
		return appendLogTx(tx, task.ID, models.LogLevelError, msg, map[string]any{
			"status":      to,
			"retry_count": task.RetryCount,
		})
	})
	if err != nil {
		return e.finalizeFailed(task, string(to), err)
	}

	task.Status = to
	task.CompletedAt = &now
	task.ErrorMessage = msg
	eventType := EventTaskFailed
	if to == models.TaskStatusTimeout {
		eventType = EventTaskTimeout
	}
	e.publish(eventType, task, msg, elapsed)
	return nil
}

func (e *Executor) releaseReservationTx(tx *gorm.DB, task *models.PublishingTask, reason string) error {
	if task.ReservationID == nil {
		return nil
	}
	err := e.quota.ReleaseTx(tx, *task.ReservationID, reason)
	if errors.Is(err, ErrReservationNotFound) {
		e.logger.Warn("Reservation already settled",
			zap.Uint("task_id", task.ID),
			zap.String("reservation_id", *task.ReservationID))
		return nil
	}
	return err
}

// finalizeFailed handles a finalize transaction that did not commit. A
// status conflict means the task left running underneath us, normally
// because it was cancelled; it is returned so the caller can record what
// the adapter did.
func (e *Executor) finalizeFailed(task *models.PublishingTask, transition string, err error) error {
	if errors.Is(err, ErrStatusConflict) {
		e.logger.Warn("Task no longer running, transition skipped",
			zap.Uint("task_id", task.ID),
			zap.String("transition", transition))
		return err
	}
	e.logger.Error("Failed to finalize task",
		zap.Uint("task_id", task.ID),
		zap.String("transition", transition),
		zap.Error(err))
	return err
}

// Cancel cancels one pending or running task.
func (e *Executor) Cancel(ctx context.Context, taskID uint) (*models.PublishingTask, error) {
	n, err := e.CancelTasks(ctx, []uint{taskID}, manualCancelMessage)
	if err != nil {
		return nil, err
	}
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return task, fmt.Errorf("%w: task %d is %s", ErrStatusConflict, taskID, task.Status)
	}
	return task, nil
}

// CancelTasks cancels every pending or running task among ids in a single
// transaction and signals running adapters in this process to abort.
// It returns the number of tasks cancelled.
func (e *Executor) CancelTasks(ctx context.Context, ids []uint, reason string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var cancelled []models.PublishingTask
	err := WithTx(ctx, e.db, func(tx *gorm.DB) error {
		cancelled = nil
		now := e.now()

		var tasks []models.PublishingTask
		if err := lockRows(tx).
			Where("id IN ? AND status IN ?", ids, models.ActiveStatuses).
			Order("id ASC").
			Find(&tasks).Error; err != nil {
			return err
		}

		for i := range tasks {
			t := &tasks[i]
			previous := t.Status
			if err := updateStatusTx(tx, t.ID, models.ActiveStatuses, models.TaskStatusCancelled, map[string]any{
				"completed_at":  now,
				"error_message": reason,
			}); err != nil {
				return err
			}
			if err := e.releaseReservationTx(tx, t, "cancelled"); err != nil {
				return err
			}
			if err := appendLogTx(tx, t.ID, models.LogLevelWarn, reason, map[string]any{
				"previous_status": previous,
			}); err != nil {
				return err
			}
			t.Status = models.TaskStatusCancelled
			t.CompletedAt = &now
			t.ErrorMessage = reason
		}

		// Locks go last so siblings cancelled above no longer count as holders.
		for i := range tasks {
			if err := releaseArticleLock(tx, &tasks[i]); err != nil {
				return err
			}
		}
		cancelled = tasks
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel tasks: %w", err)
	}

	for i := range cancelled {
		e.signal(cancelled[i].ID, errCancelledManually)
		e.publish(EventTaskCancelled, &cancelled[i], reason, 0)
	}
	return len(cancelled), nil
}

// DeleteTasks cancels any active task among ids, then removes the tasks and
// their logs. Publishing records are history and stay. It returns the ids
// that were deleted; ids that do not exist are skipped.
func (e *Executor) DeleteTasks(ctx context.Context, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := e.CancelTasks(ctx, ids, deleteMessage); err != nil {
		return nil, err
	}

	var deleted []uint
	err := WithTx(ctx, e.db, func(tx *gorm.DB) error {
		deleted = nil
		if err := tx.Model(&models.PublishingTask{}).
			Where("id IN ?", ids).
			Order("id ASC").
			Pluck("id", &deleted).Error; err != nil {
			return fmt.Errorf("failed to load tasks: %w", err)
		}
		if len(deleted) == 0 {
			return nil
		}
		_, err := deleteTasksTx(tx, deleted)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(deleted) > 0 {
		e.logger.Info("Tasks deleted", zap.Uints("task_ids", deleted))
	}
	return deleted, nil
}

// RetryTask re-enqueues a finished unsuccessful task as a fresh pending task
// carrying the same content snapshot.
func (e *Executor) RetryTask(ctx context.Context, taskID uint) (*models.PublishingTask, error) {
	orig, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch orig.Status {
	case models.TaskStatusFailed, models.TaskStatusTimeout, models.TaskStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: task %d is %s", ErrTaskNotRetryable, taskID, orig.Status)
	}

	fresh := &models.PublishingTask{
		TenantID:        orig.TenantID,
		ArticleID:       orig.ArticleID,
		AccountID:       orig.AccountID,
		PlatformID:      orig.PlatformID,
		Config:          orig.Config,
		MaxRetries:      orig.MaxRetries,
		ArticleTitle:    orig.ArticleTitle,
		ArticleContent:  orig.ArticleContent,
		ArticleKeyword:  orig.ArticleKeyword,
		ArticleImageURL: orig.ArticleImageURL,
	}

	// The snapshot keeps the task executable after its article is gone.
	if fresh.ArticleID != nil {
		var n int64
		if err := e.db.WithContext(ctx).Model(&models.Article{}).
			Where("id = ? AND tenant_id = ?", *fresh.ArticleID, fresh.TenantID).
			Count(&n).Error; err != nil {
			return nil, fmt.Errorf("failed to check article: %w", err)
		}
		if n == 0 {
			fresh.ArticleID = nil
		}
	}

	if err := e.store.Insert(ctx, fresh); err != nil {
		return nil, err
	}
	if err := e.store.AppendLog(ctx, orig.ID, models.LogLevelInfo, "Task re-enqueued", map[string]any{
		"new_task_id": fresh.ID,
	}); err != nil {
		e.logger.Warn("Failed to log re-enqueue", zap.Uint("task_id", orig.ID), zap.Error(err))
	}

	e.publish(EventTaskCreated, fresh, fmt.Sprintf("retry of task %d", orig.ID), 0)
	return fresh, nil
}

// CleanupStuck handles running tasks whose start is older than olderThan and
// which are not executing in this process, typically left behind by a
// crash. They are retried while budget remains, otherwise timed out.
func (e *Executor) CleanupStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	running, err := e.store.ListByStatus(ctx, models.TaskStatusRunning, 0)
	if err != nil {
		return 0, err
	}

	threshold := e.now().Add(-olderThan)
	cleaned := 0
	for i := range running {
		task := &running[i]
		if task.StartedAt == nil || task.StartedAt.After(threshold) || e.isInFlight(task.ID) {
			continue
		}

		msg := fmt.Sprintf("Task stuck in running for more than %s", olderThan)
		var ferr error
		if task.RetryCount < task.MaxRetries {
			ferr = e.scheduleRetry(ctx, task, msg, 0)
		} else {
			ferr = e.finalizeTerminal(ctx, task, runningOnly, models.TaskStatusTimeout, msg, 0)
		}
		if errors.Is(ferr, ErrStatusConflict) {
			continue
		}
		if ferr != nil {
			e.logger.Error("Failed to clean up stuck task", zap.Uint("task_id", task.ID), zap.Error(ferr))
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		e.logger.Info("Stuck tasks cleaned up", zap.Int("count", cleaned))
	}
	return cleaned, nil
}

func (e *Executor) watchLateResult(task *models.PublishingTask, late <-chan attemptResult) {
	snapshot := *task
	go func() {
		e.recordLateResult(&snapshot, <-late)
	}()
}

// recordLateResult keeps a durable trace of an adapter result that arrived
// after its task stopped running. The result is never applied.
func (e *Executor) recordLateResult(task *models.PublishingTask, r attemptResult) {
	details := map[string]any{"error": ""}
	if r.err != nil {
		details["error"] = r.err.Error()
	}
	if r.outcome != nil {
		details["success"] = r.outcome.Success
		details["artifact_ref"] = r.outcome.ArtifactRef
		details["url"] = r.outcome.URL
	}

	e.logger.Warn("Adapter finished after its task stopped running",
		zap.Uint("task_id", task.ID),
		zap.String("platform", task.PlatformID),
		zap.Any("details", details))
	if err := e.store.AppendLog(context.Background(), task.ID, models.LogLevelWarn,
		"Adapter result arrived after the task stopped running; side effects are untrusted", details); err != nil {
		e.logger.Warn("Failed to log late adapter result", zap.Uint("task_id", task.ID), zap.Error(err))
	}
	e.publish(EventLateAdapterResult, task, fmt.Sprint(details["error"]), 0)
}

func (e *Executor) track(taskID uint, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[taskID] = cancel
}

func (e *Executor) untrack(taskID uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, taskID)
}

func (e *Executor) signal(taskID uint, cause error) {
	e.mu.Lock()
	cancel, ok := e.inflight[taskID]
	e.mu.Unlock()
	if ok {
		cancel(cause)
	}
}

func (e *Executor) isInFlight(taskID uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[taskID]
	return ok
}

// InFlight returns the ids of tasks currently executing in this process.
func (e *Executor) InFlight() []uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (e *Executor) publish(eventType EventType, task *models.PublishingTask, message string, elapsed time.Duration) {
	if e.bus == nil {
		return
	}
	event := NewTaskEvent(eventType, task, message)
	event.Duration = elapsed
	e.bus.Publish(event)
}

func (e *Executor) taskTimeout(task *models.PublishingTask) time.Duration {
	cfg, err := decodeTaskConfig(task)
	if err == nil {
		if minutes, ok := cfg["timeout_minutes"].(float64); ok && minutes > 0 {
			return time.Duration(minutes * float64(time.Minute))
		}
	}
	return e.opts.DefaultTimeout
}

func decodeTaskConfig(task *models.PublishingTask) (map[string]any, error) {
	if len(task.Config) == 0 {
		return map[string]any{}, nil
	}
	var cfg map[string]any
	if err := json.Unmarshal(task.Config, &cfg); err != nil {
		return nil, fmt.Errorf("malformed task config: %w", err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

func buildRequest(task *models.PublishingTask) (*adapter.Request, error) {
	cfg, err := decodeTaskConfig(task)
	if err != nil {
		return nil, err
	}
	return &adapter.Request{
		TaskID:      task.ID,
		TenantID:    task.TenantID,
		PlatformID:  task.PlatformID,
		AccountID:   task.AccountID,
		Title:       task.ArticleTitle,
		Slug:        util.Slug(task.ArticleTitle),
		Content:     task.ArticleContent,
		Keyword:     task.ArticleKeyword,
		ImageURL:    task.ArticleImageURL,
		Config:      cfg,
		Attempt:     task.RetryCount + 1,
		DedupeToken: uuid.NewSHA1(dedupeNamespace, []byte(fmt.Sprintf("%s/%d", task.TenantID, task.ID))).String(),
	}, nil
}

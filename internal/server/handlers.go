package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/ifuryst/ripple-publish/internal/models"
	"github.com/ifuryst/ripple-publish/internal/service"
	"github.com/ifuryst/ripple-publish/internal/service/adapter"
)

type createTaskRequest struct {
	TenantID    string         `json:"tenant_id" binding:"required"`
	ArticleID   *uint          `json:"article_id,omitempty"`
	AccountID   uint           `json:"account_id,omitempty"`
	PlatformID  string         `json:"platform_id" binding:"required"`
	Config      datatypes.JSON `json:"config,omitempty"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	MaxRetries  *int           `json:"max_retries,omitempty"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content,omitempty"`
	Keyword     string         `json:"keyword,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
}

type setQuotaRequest struct {
	Limit *int `json:"limit" binding:"required"`
}

type deleteTasksRequest struct {
	TaskIDs []uint `json:"task_ids" binding:"required,min=1"`
}

type cleanupRequest struct {
	OlderThanMinutes int `json:"older_than_minutes"`
}

// writeError maps service errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var quotaErr *service.QuotaError
	switch {
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusForbidden, gin.H{
			"error":     "insufficient quota",
			"tenant_id": quotaErr.TenantID,
			"feature":   quotaErr.Feature,
			"remaining": quotaErr.Remaining,
			"limit":     quotaErr.Limit,
		})
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, service.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrStatusConflict), errors.Is(err, service.ErrTaskNotRetryable),
		errors.Is(err, service.ErrArticleBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidTask), errors.Is(err, adapter.ErrUnknownPlatform):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrAccountNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConflict):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	default:
		s.Logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) handleQueueStart(c *gin.Context) {
	if err := s.Scheduler.Start(s.runCtx); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Scheduler started", "status": s.Scheduler.Status()})
}

func (s *Server) handleQueueStop(c *gin.Context) {
	s.Scheduler.Stop()
	c.JSON(http.StatusOK, gin.H{"message": "Scheduler stopped", "status": s.Scheduler.Status()})
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	counts, err := s.Store.CountByStatus(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scheduler":      s.Scheduler.Status(),
		"tasks":          counts,
		"executing":      s.Executor.InFlight(),
		"events_dropped": s.Bus.Dropped(),
	})
}

func (s *Server) handleQueueCleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	olderThan := s.Config.Maintenance.StaleAfterDuration()
	if req.OlderThanMinutes > 0 {
		olderThan = time.Duration(req.OlderThanMinutes) * time.Minute
	}

	ctx := c.Request.Context()
	cleaned, err := s.Executor.CleanupStuck(ctx, olderThan)
	if err != nil {
		s.writeError(c, err)
		return
	}
	released, err := s.Quota.CleanupExpired(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stuck_tasks":           cleaned,
		"released_reservations": released,
		"older_than":            olderThan.String(),
	})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if _, err := s.Adapters.Get(req.PlatformID); err != nil {
		s.writeError(c, err)
		return
	}

	accountID := req.AccountID
	if accountID == 0 {
		accounts, err := s.Accounts.SelectLeastUsed(ctx, req.TenantID, req.PlatformID, 1)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if len(accounts) == 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no available account for platform " + req.PlatformID})
			return
		}
		accountID = accounts[0].ID
	}

	maxRetries := s.Config.Executor.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	task := &models.PublishingTask{
		TenantID:        req.TenantID,
		ArticleID:       req.ArticleID,
		AccountID:       accountID,
		PlatformID:      req.PlatformID,
		Config:          req.Config,
		ScheduledAt:     req.ScheduledAt,
		MaxRetries:      maxRetries,
		ArticleTitle:    req.Title,
		ArticleContent:  req.Content,
		ArticleKeyword:  req.Keyword,
		ArticleImageURL: req.ImageURL,
	}
	if err := s.Store.Insert(ctx, task); err != nil {
		s.writeError(c, err)
		return
	}

	s.Bus.Publish(service.NewTaskEvent(service.EventTaskCreated, task, ""))
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (s *Server) handleListTasks(c *gin.Context) {
	status := models.TaskStatus(c.DefaultQuery("status", string(models.TaskStatusPending)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	tasks, err := s.Store.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := s.Store.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleGetTaskLogs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.Store.Get(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	logs, err := s.Store.ListLogs(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := s.Executor.Cancel(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleRetryTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := s.Executor.RetryTask(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task, "retry_of": id})
}

// handleExecuteTask runs a pending task now, ignoring its schedule.
func (s *Server) handleExecuteTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := s.Store.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if task.Status != models.TaskStatusPending {
		s.writeError(c, fmt.Errorf("%w: task %d is %s", service.ErrStatusConflict, id, task.Status))
		return
	}
	if !s.Scheduler.Dispatch(s.runCtx, id) {
		c.JSON(http.StatusConflict, gin.H{"error": "task is already being executed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Task execution started", "task_id": id})
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	deleted, err := s.Executor.DeleteTasks(c.Request.Context(), []uint{id})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if len(deleted) == 0 {
		s.writeError(c, fmt.Errorf("%w: %d", service.ErrTaskNotFound, id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleDeleteTasks(c *gin.Context) {
	var req deleteTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	deleted, err := s.Executor.DeleteTasks(c.Request.Context(), req.TaskIDs)
	if err != nil {
		s.writeError(c, err)
		return
	}

	found := make(map[uint]struct{}, len(deleted))
	for _, id := range deleted {
		found[id] = struct{}{}
	}
	missing := make([]uint, 0)
	for _, id := range req.TaskIDs {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted":       deleted,
		"deleted_count": len(deleted),
		"missing":       missing,
	})
}

func (s *Server) handleCreateBatch(c *gin.Context) {
	var req service.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	for i := range req.Tasks {
		t := &req.Tasks[i]
		if _, err := s.Adapters.Get(t.PlatformID); err != nil {
			s.writeError(c, err)
			return
		}
		if t.AccountID != 0 {
			continue
		}
		accounts, err := s.Accounts.SelectLeastUsed(ctx, req.TenantID, t.PlatformID, 1)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if len(accounts) == 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no available account for platform " + t.PlatformID})
			return
		}
		t.AccountID = accounts[0].ID
	}

	batchID, tasks, err := s.Batches.CreateBatch(ctx, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"batch_id": batchID, "tasks": tasks})
}

func (s *Server) handleGetBatch(c *gin.Context) {
	info, err := s.Batches.GetBatchInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleStopBatch(c *gin.Context) {
	n, err := s.Batches.StopBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": c.Param("id"), "cancelled": n})
}

func (s *Server) handleDeleteBatch(c *gin.Context) {
	n, err := s.Batches.DeleteBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": c.Param("id"), "deleted": n})
}

func (s *Server) handleGetQuota(c *gin.Context) {
	status, err := s.Quota.CheckQuota(c.Request.Context(), c.Param("tenant"), c.Param("feature"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSetQuota(c *gin.Context) {
	var req setQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	quota, err := s.Quota.SetLimit(c.Request.Context(), c.Param("tenant"), c.Param("feature"), *req.Limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": quota})
}

func (s *Server) handleListReservations(c *gin.Context) {
	reservations, err := s.Quota.ListReservations(c.Request.Context(), c.Param("tenant"),
		models.ReservationStatus(c.Query("status")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservations": reservations})
}

// handleEventStream streams bus events as server-sent events until the
// client disconnects. ?tenant_id= narrows the feed.
func (s *Server) handleEventStream(c *gin.Context) {
	tenant := c.Query("tenant_id")
	events, unsubscribe := s.Bus.SubscribeChan("sse:" + c.ClientIP())
	defer unsubscribe()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case e, ok := <-events:
			if !ok {
				return false
			}
			if tenant != "" && e.TenantID != tenant {
				return true
			}
			c.SSEvent(string(e.Type), e)
			return true
		}
	})
}

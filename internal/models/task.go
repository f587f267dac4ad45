package models

import (
	"time"

	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether no further transition can leave the status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// ActiveStatuses are the statuses that hold an article lock.
var ActiveStatuses = []TaskStatus{TaskStatusPending, TaskStatusRunning}

// PublishingTask is one unit of work: publish a content snapshot through an
// account on a platform.
type PublishingTask struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	TenantID   string     `gorm:"not null;size:64;index" json:"tenant_id"`
	ArticleID  *uint      `gorm:"index" json:"article_id"`
	AccountID  uint       `gorm:"not null;index" json:"account_id"`
	PlatformID string     `gorm:"not null;size:50;index" json:"platform_id"`
	Status     TaskStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`

	Config datatypes.JSON `json:"config,omitempty"`

	ScheduledAt  *time.Time `gorm:"index" json:"scheduled_at"`
	RetryAt      *time.Time `json:"retry_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int        `gorm:"not null" json:"max_retries"`

	BatchID         *string `gorm:"size:36;index" json:"batch_id,omitempty"`
	BatchOrder      int     `gorm:"not null;default:0" json:"batch_order"`
	IntervalMinutes int     `gorm:"not null;default:0" json:"interval_minutes"`

	ReservationID *string `gorm:"size:36" json:"reservation_id,omitempty"`

	// Snapshot of the article at enqueue time.
	ArticleTitle    string `gorm:"size:500" json:"article_title"`
	ArticleContent  string `gorm:"type:text" json:"article_content"`
	ArticleKeyword  string `gorm:"size:200" json:"article_keyword"`
	ArticleImageURL string `gorm:"size:1000" json:"article_image_url"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PublishingTask) TableName() string {
	return "publishing_tasks"
}

// IsRetry reports whether the task has already failed at least once.
func (t *PublishingTask) IsRetry() bool {
	return t.RetryCount > 0
}

// EffectiveScheduledAt returns the time the task becomes due. Batch members are
// staggered by batch_order*interval_minutes from the batch anchor; a nil
// anchor means "now".
func (t *PublishingTask) EffectiveScheduledAt(now time.Time) time.Time {
	anchor := now
	if t.ScheduledAt != nil {
		anchor = *t.ScheduledAt
	} else if t.BatchID != nil && !t.CreatedAt.IsZero() {
		anchor = t.CreatedAt
	}
	if t.BatchID != nil && t.IntervalMinutes > 0 && t.BatchOrder > 0 {
		anchor = anchor.Add(time.Duration(t.BatchOrder*t.IntervalMinutes) * time.Minute)
	}
	return anchor
}

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// PublishingLogEntry is the append-only audit trail of a task.
type PublishingLogEntry struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TaskID    uint           `gorm:"not null;index" json:"task_id"`
	Level     LogLevel       `gorm:"size:10;not null" json:"level"`
	Message   string         `gorm:"type:text;not null" json:"message"`
	Details   datatypes.JSON `json:"details,omitempty"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (PublishingLogEntry) TableName() string {
	return "publishing_logs"
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// ArticleStatusPublishing marks an article claimed by a pending or running task.
const ArticleStatusPublishing = "publishing"

type Article struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	TenantID         string         `gorm:"not null;size:64;index" json:"tenant_id"`
	Title            string         `gorm:"not null;size:500" json:"title"`
	Content          string         `gorm:"type:text" json:"content"`
	Keyword          string         `gorm:"size:200" json:"keyword"`
	ImageURL         string         `gorm:"size:1000" json:"image_url"`
	PublishingStatus *string        `gorm:"size:20" json:"publishing_status"`
	IsPublished      bool           `gorm:"default:false" json:"is_published"`
	PublishedAt      *time.Time     `json:"published_at"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// PublishingRecord is written once per completed task.
type PublishingRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TenantID    string    `gorm:"not null;size:64;index" json:"tenant_id"`
	ArticleID   *uint     `gorm:"index" json:"article_id"`
	TaskID      uint      `gorm:"not null;uniqueIndex" json:"task_id"`
	AccountID   uint      `gorm:"not null" json:"account_id"`
	PlatformID  string    `gorm:"not null;size:50" json:"platform_id"`
	ArtifactRef string    `gorm:"size:500" json:"artifact_ref"`
	URL         string    `gorm:"size:1000" json:"url"`
	PublishedAt time.Time `gorm:"not null" json:"published_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

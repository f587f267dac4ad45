package models

import (
	"time"

	"gorm.io/gorm"
)

type PlatformAccount struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TenantID   string         `gorm:"not null;size:64;index" json:"tenant_id"`
	PlatformID string         `gorm:"not null;size:50;index" json:"platform_id"`
	Name       string         `gorm:"not null;size:100" json:"name"`
	Enabled    bool           `gorm:"default:true" json:"enabled"`
	UseCount   int            `gorm:"not null;default:0" json:"use_count"`
	LastUsedAt *time.Time     `json:"last_used_at"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

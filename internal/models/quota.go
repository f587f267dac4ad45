package models

import (
	"time"

	"gorm.io/datatypes"
)

// UnlimitedQuota as a limit always satisfies a quota check.
const UnlimitedQuota = -1

type TenantQuota struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"not null;size:64;uniqueIndex:idx_tenant_feature" json:"tenant_id"`
	Feature    string    `gorm:"not null;size:64;uniqueIndex:idx_tenant_feature" json:"feature"`
	QuotaLimit int       `gorm:"not null" json:"limit"`
	Used       int       `gorm:"not null;default:0" json:"used"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
)

type QuotaReservation struct {
	ID            string            `gorm:"primaryKey;size:36" json:"id"`
	TenantID      string            `gorm:"not null;size:64;index" json:"tenant_id"`
	Feature       string            `gorm:"not null;size:64" json:"feature"`
	Amount        int               `gorm:"not null" json:"amount"`
	Status        ReservationStatus `gorm:"size:20;not null;index" json:"status"`
	TaskID        *uint             `gorm:"index" json:"task_id"`
	TaskInfo      datatypes.JSON    `json:"task_info,omitempty"`
	ExpiresAt     time.Time         `gorm:"not null;index" json:"expires_at"`
	ConfirmedAt   *time.Time        `json:"confirmed_at"`
	ReleasedAt    *time.Time        `json:"released_at"`
	ReleaseReason string            `gorm:"size:200" json:"release_reason"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/ripple-publish/internal/models"
)

// AccountPool hands out platform accounts so concurrent producers spread
// work across accounts without picking the same one twice.
type AccountPool struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewAccountPool(db *gorm.DB, logger *zap.Logger) *AccountPool {
	return &AccountPool{db: db, logger: logger}
}

// SelectLeastUsed picks up to n enabled accounts with the lowest use count
// and bumps their counters in the same transaction. Rows chosen by a
// concurrent caller are skipped, so two selections never overlap.
func (p *AccountPool) SelectLeastUsed(ctx context.Context, tenantID, platformID string, n int) ([]models.PlatformAccount, error) {
	if n <= 0 {
		return nil, nil
	}

	var selected []models.PlatformAccount
	err := WithTx(ctx, p.db, func(tx *gorm.DB) error {
		selected = nil
		if err := lockSkipLocked(tx).
			Where("tenant_id = ? AND platform_id = ? AND enabled = ?", tenantID, platformID, true).
			Order("use_count ASC, id ASC").
			Limit(n).
			Find(&selected).Error; err != nil {
			return err
		}
		if len(selected) == 0 {
			return nil
		}

		ids := make([]uint, len(selected))
		for i := range selected {
			ids[i] = selected[i].ID
		}
		now := time.Now().UTC()
		if err := tx.Model(&models.PlatformAccount{}).Where("id IN ?", ids).
			Updates(map[string]any{
				"use_count":    gorm.Expr("use_count + 1"),
				"last_used_at": now,
			}).Error; err != nil {
			return err
		}
		for i := range selected {
			selected[i].UseCount++
			selected[i].LastUsedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select accounts: %w", err)
	}

	p.logger.Debug("Accounts selected",
		zap.String("tenant_id", tenantID),
		zap.String("platform", platformID),
		zap.Int("requested", n),
		zap.Int("selected", len(selected)))
	return selected, nil
}

// touchAccount marks the account as used by a claim. A missing or disabled
// account is fatal for the task.
func touchAccount(tx *gorm.DB, task *models.PublishingTask, now time.Time) error {
	res := tx.Model(&models.PlatformAccount{}).
		Where("id = ? AND tenant_id = ? AND enabled = ?", task.AccountID, task.TenantID, true).
		UpdateColumn("last_used_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: account %d", ErrAccountNotFound, task.AccountID)
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/ripple-publish/internal/models"
)

// QuotaStatus is the answer to "may this tenant consume one more unit?".
type QuotaStatus struct {
	HasQuota  bool `json:"has_quota"`
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
}

// QuotaService implements reserve -> confirm | release against tenant limits.
// Reserve increments usage up front, so a reservation that is later released
// gives the allowance back and a confirmed one keeps it.
type QuotaService struct {
	db     *gorm.DB
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

func NewQuotaService(db *gorm.DB, logger *zap.Logger, reservationTTL time.Duration) *QuotaService {
	return &QuotaService{
		db:     db,
		logger: logger,
		ttl:    reservationTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func quotaStatus(q *models.TenantQuota) *QuotaStatus {
	if q.QuotaLimit == models.UnlimitedQuota {
		return &QuotaStatus{HasQuota: true, Used: q.Used, Limit: models.UnlimitedQuota, Remaining: models.UnlimitedQuota}
	}
	remaining := q.QuotaLimit - q.Used
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaStatus{
		HasQuota:  q.Used < q.QuotaLimit,
		Used:      q.Used,
		Limit:     q.QuotaLimit,
		Remaining: remaining,
	}
}

// CheckQuota reports the tenant's allowance. A tenant without a quota row
// has none. The answer is advisory; use Reserve to actually gate work.
func (s *QuotaService) CheckQuota(ctx context.Context, tenantID, feature string) (*QuotaStatus, error) {
	return s.checkQuota(s.db.WithContext(ctx), tenantID, feature)
}

func (s *QuotaService) checkQuota(tx *gorm.DB, tenantID, feature string) (*QuotaStatus, error) {
	var quota models.TenantQuota
	err := tx.Where("tenant_id = ? AND feature = ?", tenantID, feature).First(&quota).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &QuotaStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota: %w", err)
	}
	return quotaStatus(&quota), nil
}

// SetLimit creates or replaces a tenant limit. Usage is left untouched.
func (s *QuotaService) SetLimit(ctx context.Context, tenantID, feature string, limit int) (*models.TenantQuota, error) {
	if limit < models.UnlimitedQuota {
		return nil, fmt.Errorf("invalid quota limit %d", limit)
	}
	quota := &models.TenantQuota{TenantID: tenantID, Feature: feature, QuotaLimit: limit}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "feature"}},
		DoUpdates: clause.AssignmentColumns([]string{"quota_limit", "updated_at"}),
	}).Create(quota).Error
	if err != nil {
		return nil, fmt.Errorf("failed to set quota: %w", err)
	}

	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND feature = ?", tenantID, feature).First(quota).Error; err != nil {
		return nil, fmt.Errorf("failed to reload quota: %w", err)
	}
	return quota, nil
}

// Reserve atomically checks and consumes amount units, recording a
// reservation that must later be confirmed or released.
func (s *QuotaService) Reserve(ctx context.Context, tenantID, feature string, amount int, taskID *uint) (*models.QuotaReservation, error) {
	var reservation *models.QuotaReservation
	err := WithTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		reservation, err = s.ReserveTx(tx, tenantID, feature, amount, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// ReserveTx is Reserve inside the caller's transaction. The check and the
// increment are one conditional UPDATE, so two callers can never both see
// the last unit.
func (s *QuotaService) ReserveTx(tx *gorm.DB, tenantID, feature string, amount int, taskID *uint) (*models.QuotaReservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("invalid reservation amount %d", amount)
	}

	matched, err := IncrementColumn(tx, &models.TenantQuota{}, "used", amount,
		"tenant_id = ? AND feature = ? AND (quota_limit = ? OR used + ? <= quota_limit)",
		tenantID, feature, models.UnlimitedQuota, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if matched == 0 {
		status, err := s.checkQuota(tx, tenantID, feature)
		if err != nil {
			return nil, err
		}
		return nil, &QuotaError{TenantID: tenantID, Feature: feature, Remaining: status.Remaining, Limit: status.Limit}
	}

	reservation := &models.QuotaReservation{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Feature:   feature,
		Amount:    amount,
		Status:    models.ReservationReserved,
		TaskID:    taskID,
		ExpiresAt: s.now().Add(s.ttl),
	}
	if taskID != nil {
		reservation.TaskInfo = datatypes.JSON(fmt.Sprintf(`{"task_id":%d}`, *taskID))
	}
	if err := tx.Create(reservation).Error; err != nil {
		return nil, fmt.Errorf("failed to record reservation: %w", err)
	}
	return reservation, nil
}

// Confirm makes a reservation permanent. Counters are not touched.
func (s *QuotaService) Confirm(ctx context.Context, reservationID string) error {
	return WithTx(ctx, s.db, func(tx *gorm.DB) error {
		return s.ConfirmTx(tx, reservationID)
	})
}

func (s *QuotaService) ConfirmTx(tx *gorm.DB, reservationID string) error {
	now := s.now()
	res := tx.Model(&models.QuotaReservation{}).
		Where("id = ? AND status = ?", reservationID, models.ReservationReserved).
		Updates(map[string]any{
			"status":       models.ReservationConfirmed,
			"confirmed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to confirm reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	return nil
}

// Release returns the reserved units to the tenant.
func (s *QuotaService) Release(ctx context.Context, reservationID, reason string) error {
	return WithTx(ctx, s.db, func(tx *gorm.DB) error {
		return s.ReleaseTx(tx, reservationID, reason)
	})
}

func (s *QuotaService) ReleaseTx(tx *gorm.DB, reservationID, reason string) error {
	var reservation models.QuotaReservation
	err := lockRows(tx).
		Where("id = ? AND status = ?", reservationID, models.ReservationReserved).
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	if err != nil {
		return fmt.Errorf("failed to load reservation: %w", err)
	}

	now := s.now()
	res := tx.Model(&models.QuotaReservation{}).
		Where("id = ? AND status = ?", reservationID, models.ReservationReserved).
		Updates(map[string]any{
			"status":         models.ReservationReleased,
			"released_at":    now,
			"release_reason": reason,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to release reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}

	matched, err := IncrementColumn(tx, &models.TenantQuota{}, "used", -reservation.Amount,
		"tenant_id = ? AND feature = ? AND used >= ?", reservation.TenantID, reservation.Feature, reservation.Amount)
	if err != nil {
		return fmt.Errorf("failed to return quota: %w", err)
	}
	if matched == 0 {
		s.logger.Warn("Quota usage lower than released amount",
			zap.String("reservation_id", reservationID),
			zap.String("tenant_id", reservation.TenantID),
			zap.String("feature", reservation.Feature))
	}
	return nil
}

// ListReservations returns a tenant's reservations, newest first. An empty
// status matches all.
func (s *QuotaService) ListReservations(ctx context.Context, tenantID string, status models.ReservationStatus) ([]models.QuotaReservation, error) {
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var reservations []models.QuotaReservation
	if err := query.Order("created_at DESC").Find(&reservations).Error; err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return reservations, nil
}

// CleanupExpired releases reservations past their expiry whose task is no
// longer pending or running. Reservations still owned by a live task are
// left for the task's own finalizer.
func (s *QuotaService) CleanupExpired(ctx context.Context) (int, error) {
	var candidates []models.QuotaReservation
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.ReservationReserved).
		Find(&candidates).Error; err != nil {
		return 0, fmt.Errorf("failed to load reservations: %w", err)
	}

	now := s.now()
	released := 0
	for _, r := range candidates {
		if r.ExpiresAt.After(now) {
			continue
		}

		err := WithTx(ctx, s.db, func(tx *gorm.DB) error {
			if r.TaskID != nil {
				var live int64
				if err := tx.Model(&models.PublishingTask{}).
					Where("id = ? AND reservation_id = ? AND status IN ?", *r.TaskID, r.ID, models.ActiveStatuses).
					Count(&live).Error; err != nil {
					return err
				}
				if live > 0 {
					return errReservationInUse
				}
			}
			return s.ReleaseTx(tx, r.ID, "expired")
		})
		switch {
		case err == nil:
			released++
		case errors.Is(err, errReservationInUse), errors.Is(err, ErrReservationNotFound):
		default:
			s.logger.Error("Failed to release expired reservation", zap.String("reservation_id", r.ID), zap.Error(err))
		}
	}

	if released > 0 {
		s.logger.Info("Expired reservations released", zap.Int("count", released))
	}
	return released, nil
}

var errReservationInUse = errors.New("reservation still owned by a live task")

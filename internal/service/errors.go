package service

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrStatusConflict      = errors.New("task status changed concurrently")
	ErrTaskNotRetryable    = errors.New("task is not in a retryable status")
	ErrInvalidTask         = errors.New("invalid task")
	ErrArticleBusy         = errors.New("article is already being published")
	ErrAccountNotFound     = errors.New("platform account not found")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrInsufficientQuota   = errors.New("insufficient quota")
	ErrReservationNotFound = errors.New("quota reservation not found")
	ErrConflict            = errors.New("concurrent update conflict")
)

// QuotaError reports an exhausted allowance. It is not a task failure.
type QuotaError struct {
	TenantID  string
	Feature   string
	Remaining int
	Limit     int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("insufficient quota for %s/%s: remaining %d of %d", e.TenantID, e.Feature, e.Remaining, e.Limit)
}

func (e *QuotaError) Unwrap() error {
	return ErrInsufficientQuota
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/ripple-publish/pkg/retry"
)

// PostgreSQL SQLSTATEs that mean "someone else holds the row, try again".
var conflictCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := conflictCodes[pgErr.Code]
		return ok
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// WithTx runs fn as one unit of work. Store conflicts are retried under
// retry.ConflictPolicy; a conflict that survives every attempt is returned
// wrapping ErrConflict.
func WithTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	err := retry.Do(ctx, retry.ConflictPolicy, isConflict, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
	if err != nil && isConflict(err) && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// IncrementColumn applies column = column + delta inside the store, never in
// client code, and returns the number of rows matched.
func IncrementColumn(tx *gorm.DB, model any, column string, delta int, query any, args ...any) (int64, error) {
	res := tx.Model(model).Where(query, args...).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta))
	return res.RowsAffected, res.Error
}

// lockSkipLocked selects rows FOR UPDATE SKIP LOCKED so concurrent choosers
// partition the candidate set. SQLite has no row locks; its dialector drops
// the clause and the single connection serializes writers instead.
func lockSkipLocked(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

// lockRows selects rows FOR UPDATE, waiting for concurrent holders.
func lockRows(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

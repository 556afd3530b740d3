package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: deduction_records.company_id")))
	assert.True(t, IsDuplicateKeyErr(errors.New("Error 1062 (23000): Duplicate entry")))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
	assert.False(t, IsDuplicateKeyErr(nil))
}

func TestIsLockNotAvailableErr(t *testing.T) {
	assert.True(t, IsLockNotAvailableErr(&pgconn.PgError{Code: "55P03"}))
	assert.True(t, IsLockNotAvailableErr(fmt.Errorf("lock reservation: %w", &pgconn.PgError{Code: "55P03"})))
	assert.True(t, IsLockNotAvailableErr(errors.New("Error 3572 (HY000): Statement aborted because lock(s) could not be acquired")))
	assert.True(t, IsLockNotAvailableErr(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsLockNotAvailableErr(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsLockNotAvailableErr(nil))
}

func TestIsSerializationFailureErr(t *testing.T) {
	assert.True(t, IsSerializationFailureErr(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsSerializationFailureErr(errors.New("40001")))
}

func TestIsExpectedLedgerErr(t *testing.T) {
	assert.True(t, IsExpectedLedgerErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsExpectedLedgerErr(&pgconn.PgError{Code: "55P03"}))
	assert.False(t, IsExpectedLedgerErr(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsExpectedLedgerErr(errors.New("connection refused")))
}

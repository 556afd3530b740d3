package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if hasPGCode(err, "23505") {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsLockNotAvailableErr reports whether a NOWAIT lock attempt lost to a
// concurrent holder.
func IsLockNotAvailableErr(err error) bool {
	if err == nil {
		return false
	}

	// PostgreSQL lock_not_available
	if hasPGCode(err, "55P03") {
		return true
	}

	msg := err.Error()

	// MySQL (error code 3572, NOWAIT)
	if strings.Contains(msg, "Error 3572") {
		return true
	}

	// SQLite busy / locked
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
		return true
	}

	return strings.Contains(msg, "could not obtain lock")
}

// IsExpectedLedgerErr reports statement errors the ledger resolves on its own:
// a duplicate idempotency key is replayed and a NOWAIT miss becomes
// deduction_in_progress.
func IsExpectedLedgerErr(err error) bool {
	return IsDuplicateKeyErr(err) || IsLockNotAvailableErr(err)
}

func IsSerializationFailureErr(err error) bool {
	return hasPGCode(err, "40001")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

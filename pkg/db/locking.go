package db

import "gorm.io/gorm"

const (
	LockNoWait     = "NOWAIT"
	LockSkipLocked = "SKIP LOCKED"
)

// ForUpdate returns the row locking suffix for conn's dialect, with an
// optional NOWAIT or SKIP LOCKED modifier. SQLite has no row locks and
// serializes writers, so the suffix is empty there.
func ForUpdate(conn *gorm.DB, option string) string {
	if conn == nil || conn.Dialector == nil || conn.Dialector.Name() == "sqlite" {
		return ""
	}
	if option == "" {
		return " FOR UPDATE"
	}
	return " FOR UPDATE " + option
}

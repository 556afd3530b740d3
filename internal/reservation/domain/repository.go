package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Settlement is the terminal split written when a hold is resolved.
type Settlement struct {
	State    State
	Captured int64
	Released int64
	At       time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, reservation *Reservation) error
	FindByJobID(ctx context.Context, db *gorm.DB, jobID string) (*Reservation, error)
	// FindByJobIDForUpdate locks the row. With nowait set a held lock fails
	// immediately instead of queueing behind it.
	FindByJobIDForUpdate(ctx context.Context, db *gorm.DB, jobID string, nowait bool) (*Reservation, error)
	// Settle moves an active reservation to a terminal state. It reports
	// false when the row was no longer active.
	Settle(ctx context.Context, db *gorm.DB, id snowflake.ID, settlement Settlement) (bool, error)
	ListActive(ctx context.Context, db *gorm.DB, companyID snowflake.ID) ([]Reservation, error)
}

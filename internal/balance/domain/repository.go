package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindActive(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*Subscription, error)
	FindActiveForUpdate(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*Subscription, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)

	// ApplyDelta performs the guarded pool update and reports whether a row matched.
	ApplyDelta(ctx context.Context, db *gorm.DB, id snowflake.ID, delta Delta, now time.Time) (bool, error)
	// AdvancePeriod restores the monthly pool and moves the period forward, only
	// if the period ending at oldEnd has not been renewed yet.
	AdvancePeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, oldEnd, newStart, newEnd, resetAt, now time.Time) (bool, error)
	UpdatePlan(ctx context.Context, db *gorm.DB, subscription *Subscription) (bool, error)
	Cancel(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)

	InsertAdjustment(ctx context.Context, db *gorm.DB, adjustment *BalanceAdjustment) error
	FindAdjustmentByReference(ctx context.Context, db *gorm.DB, companyID snowflake.ID, reference string) (*BalanceAdjustment, error)
	ListAdjustments(ctx context.Context, db *gorm.DB, companyID snowflake.ID, limit int) ([]BalanceAdjustment, error)
	ListDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
}

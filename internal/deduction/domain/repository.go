package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *DeductionRecord) error
	FindByKey(ctx context.Context, db *gorm.DB, companyID snowflake.ID, idempotencyKey string) (*DeductionRecord, error)
	List(ctx context.Context, db *gorm.DB, companyID snowflake.ID, limit int) ([]DeductionRecord, error)
}

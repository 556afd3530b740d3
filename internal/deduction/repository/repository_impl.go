package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	deductiondomain "github.com/smallbiznis/tokenledger/internal/deduction/domain"
	"gorm.io/gorm"
)

const recordColumns = `id, company_id, idempotency_key, reservation_id, amount, deducted_from_purchased,
	 deducted_from_monthly, amount_released, monthly_before, purchased_before, reserved_before,
	 monthly_after, purchased_after, reserved_after, monthly_quota, current_period_end, reason,
	 progress_percent, created_at`

type repo struct{}

func Provide() deductiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, record *deductiondomain.DeductionRecord) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO deduction_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.CompanyID,
		record.IdempotencyKey,
		record.ReservationID,
		record.Amount,
		record.DeductedFromPurchased,
		record.DeductedFromMonthly,
		record.AmountReleased,
		record.MonthlyBefore,
		record.PurchasedBefore,
		record.ReservedBefore,
		record.MonthlyAfter,
		record.PurchasedAfter,
		record.ReservedAfter,
		record.MonthlyQuota,
		record.CurrentPeriodEnd,
		record.Reason,
		record.ProgressPercent,
		record.CreatedAt,
	).Error
}

func (r *repo) FindByKey(ctx context.Context, conn *gorm.DB, companyID snowflake.ID, idempotencyKey string) (*deductiondomain.DeductionRecord, error) {
	var record deductiondomain.DeductionRecord
	err := conn.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM deduction_records
		 WHERE company_id = ? AND idempotency_key = ?
		 LIMIT 1`,
		companyID,
		idempotencyKey,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, companyID snowflake.ID, limit int) ([]deductiondomain.DeductionRecord, error) {
	var records []deductiondomain.DeductionRecord
	err := conn.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM deduction_records
		 WHERE company_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		companyID,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

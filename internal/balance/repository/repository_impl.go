package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, company_id, plan_id, billing_cycle, monthly_token_quota, monthly_quota_balance,
	 purchased_token_balance, reserved_tokens, current_period_start, current_period_end,
	 last_quota_reset_at, billing_anchor_day, status, created_at, updated_at, cancelled_at`

type repo struct{}

func Provide() balancedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, subscription *balancedomain.Subscription) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.CompanyID,
		subscription.PlanID,
		subscription.BillingCycle,
		subscription.MonthlyTokenQuota,
		subscription.MonthlyQuotaBalance,
		subscription.PurchasedTokenBalance,
		subscription.ReservedTokens,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.LastQuotaResetAt,
		subscription.BillingAnchorDay,
		subscription.Status,
		subscription.CreatedAt,
		subscription.UpdatedAt,
		subscription.CancelledAt,
	).Error
}

func (r *repo) FindActive(ctx context.Context, conn *gorm.DB, companyID snowflake.ID) (*balancedomain.Subscription, error) {
	return r.findActive(ctx, conn, companyID, "")
}

func (r *repo) FindActiveForUpdate(ctx context.Context, conn *gorm.DB, companyID snowflake.ID) (*balancedomain.Subscription, error) {
	return r.findActive(ctx, conn, companyID, db.ForUpdate(conn, ""))
}

func (r *repo) findActive(ctx context.Context, conn *gorm.DB, companyID snowflake.ID, lock string) (*balancedomain.Subscription, error) {
	var subscription balancedomain.Subscription
	err := conn.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE company_id = ? AND status = ?
		 ORDER BY created_at DESC
		 LIMIT 1`+lock,
		companyID,
		balancedomain.SubscriptionStatusActive,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*balancedomain.Subscription, error) {
	var subscription balancedomain.Subscription
	err := conn.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ApplyDelta(ctx context.Context, conn *gorm.DB, id snowflake.ID, delta balancedomain.Delta, now time.Time) (bool, error) {
	var sql strings.Builder
	sql.WriteString(`UPDATE subscriptions SET
		 monthly_quota_balance = monthly_quota_balance + ?,
		 purchased_token_balance = purchased_token_balance + ?,
		 reserved_tokens = reserved_tokens + ?,
		 updated_at = ?
		 WHERE id = ? AND status = ?
		 AND monthly_quota_balance + ? >= 0
		 AND purchased_token_balance + ? >= 0
		 AND reserved_tokens + ? >= 0
		 AND (monthly_quota_balance + ?) + (purchased_token_balance + ?) - (reserved_tokens + ?) >= ?`)
	args := []any{
		delta.Monthly,
		delta.Purchased,
		delta.Reserved,
		now,
		id,
		balancedomain.SubscriptionStatusActive,
		delta.Monthly,
		delta.Purchased,
		delta.Reserved,
		delta.Monthly,
		delta.Purchased,
		delta.Reserved,
		delta.MinAvailable,
	}
	if delta.Monthly > 0 {
		sql.WriteString(` AND monthly_quota_balance + ? <= monthly_token_quota`)
		args = append(args, delta.Monthly)
	}

	res := conn.WithContext(ctx).Exec(sql.String(), args...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) AdvancePeriod(ctx context.Context, conn *gorm.DB, id snowflake.ID, oldEnd, newStart, newEnd, resetAt, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
		 monthly_quota_balance = monthly_token_quota,
		 current_period_start = ?,
		 current_period_end = ?,
		 last_quota_reset_at = ?,
		 updated_at = ?
		 WHERE id = ? AND status = ?
		 AND monthly_token_quota > 0
		 AND current_period_end = ?
		 AND (last_quota_reset_at IS NULL OR last_quota_reset_at < current_period_end)`,
		newStart,
		newEnd,
		resetAt,
		now,
		id,
		balancedomain.SubscriptionStatusActive,
		oldEnd,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdatePlan(ctx context.Context, conn *gorm.DB, subscription *balancedomain.Subscription) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
		 plan_id = ?,
		 billing_cycle = ?,
		 monthly_token_quota = ?,
		 monthly_quota_balance = ?,
		 current_period_start = ?,
		 current_period_end = ?,
		 last_quota_reset_at = ?,
		 billing_anchor_day = ?,
		 updated_at = ?
		 WHERE id = ? AND status = ?
		 AND ? + purchased_token_balance - reserved_tokens >= 0`,
		subscription.PlanID,
		subscription.BillingCycle,
		subscription.MonthlyTokenQuota,
		subscription.MonthlyQuotaBalance,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.LastQuotaResetAt,
		subscription.BillingAnchorDay,
		subscription.UpdatedAt,
		subscription.ID,
		balancedomain.SubscriptionStatusActive,
		subscription.MonthlyQuotaBalance,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Cancel(ctx context.Context, conn *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, cancelled_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND reserved_tokens = 0`,
		balancedomain.SubscriptionStatusCancelled,
		now,
		now,
		id,
		balancedomain.SubscriptionStatusActive,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertAdjustment(ctx context.Context, conn *gorm.DB, adjustment *balancedomain.BalanceAdjustment) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO balance_adjustments (
			id, company_id, subscription_id, reason, reference, job_id, monthly_delta, purchased_delta,
			reserved_delta, monthly_before, purchased_before, reserved_before, monthly_after,
			purchased_after, reserved_after, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adjustment.ID,
		adjustment.CompanyID,
		adjustment.SubscriptionID,
		adjustment.Reason,
		adjustment.Reference,
		adjustment.JobID,
		adjustment.MonthlyDelta,
		adjustment.PurchasedDelta,
		adjustment.ReservedDelta,
		adjustment.MonthlyBefore,
		adjustment.PurchasedBefore,
		adjustment.ReservedBefore,
		adjustment.MonthlyAfter,
		adjustment.PurchasedAfter,
		adjustment.ReservedAfter,
		adjustment.CreatedAt,
	).Error
}

func (r *repo) FindAdjustmentByReference(ctx context.Context, conn *gorm.DB, companyID snowflake.ID, reference string) (*balancedomain.BalanceAdjustment, error) {
	var adjustment balancedomain.BalanceAdjustment
	err := conn.WithContext(ctx).Raw(
		`SELECT id, company_id, subscription_id, reason, reference, job_id, monthly_delta, purchased_delta,
		 reserved_delta, monthly_before, purchased_before, reserved_before, monthly_after,
		 purchased_after, reserved_after, created_at
		 FROM balance_adjustments
		 WHERE company_id = ? AND reference = ?`,
		companyID,
		reference,
	).Scan(&adjustment).Error
	if err != nil {
		return nil, err
	}
	if adjustment.ID == 0 {
		return nil, nil
	}
	return &adjustment, nil
}

func (r *repo) ListAdjustments(ctx context.Context, conn *gorm.DB, companyID snowflake.ID, limit int) ([]balancedomain.BalanceAdjustment, error) {
	var adjustments []balancedomain.BalanceAdjustment
	err := conn.WithContext(ctx).Raw(
		`SELECT id, company_id, subscription_id, reason, reference, job_id, monthly_delta, purchased_delta,
		 reserved_delta, monthly_before, purchased_before, reserved_before, monthly_after,
		 purchased_after, reserved_after, created_at
		 FROM balance_adjustments
		 WHERE company_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		companyID,
		limit,
	).Scan(&adjustments).Error
	if err != nil {
		return nil, err
	}
	return adjustments, nil
}

func (r *repo) ListDueForRenewal(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]balancedomain.Subscription, error) {
	var subscriptions []balancedomain.Subscription
	err := conn.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ?
		 AND monthly_token_quota > 0
		 AND current_period_end IS NOT NULL
		 AND current_period_end <= ?
		 AND (last_quota_reset_at IS NULL OR last_quota_reset_at < current_period_end)
		 ORDER BY current_period_end, id
		 LIMIT ?`+db.ForUpdate(conn, db.LockSkipLocked),
		balancedomain.SubscriptionStatusActive,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Delta is a signed change to a company's pools. The write succeeds only if
// every pool stays non-negative, the monthly pool stays within quota and the
// resulting available amount is at least MinAvailable.
type Delta struct {
	Monthly      int64
	Purchased    int64
	Reserved     int64
	MinAvailable int64

	// Reason, when set, appends a balance_adjustments row in the same transaction.
	Reason    AdjustmentReason
	Reference string
	JobID     string
}

func (d Delta) IsZero() bool {
	return d.Monthly == 0 && d.Purchased == 0 && d.Reserved == 0
}

type Result struct {
	SubscriptionID snowflake.ID     `json:"subscription_id"`
	Before         AvailableBalance `json:"before"`
	After          AvailableBalance `json:"after"`
}

type CreateSubscriptionRequest struct {
	CompanyID             snowflake.ID
	PlanID                string
	BillingCycle          BillingCycle
	MonthlyTokenQuota     int64
	PurchasedTokenBalance int64
	StartAt               *time.Time
}

type ChangePlanRequest struct {
	CompanyID         snowflake.ID
	PlanID            string
	BillingCycle      BillingCycle
	MonthlyTokenQuota int64
}

type CreditResult struct {
	Result
	Idempotent bool `json:"idempotent"`
}

type Service interface {
	GetAvailable(ctx context.Context, companyID snowflake.ID) (AvailableBalance, error)
	GetBalance(ctx context.Context, companyID snowflake.ID) (AvailableBalance, error)
	ApplyDelta(ctx context.Context, companyID snowflake.ID, delta Delta) (Result, error)
	ApplyDeltaTx(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, delta Delta) (Result, error)
	// LockTx row-locks the active subscription inside tx and returns it.
	LockTx(ctx context.Context, tx *gorm.DB, companyID snowflake.ID) (Subscription, error)
	CreditPurchased(ctx context.Context, companyID snowflake.ID, amount int64, reference string) (CreditResult, error)
	Invalidate(ctx context.Context, companyID snowflake.ID)
	// ListAdjustments returns the newest audit rows first.
	ListAdjustments(ctx context.Context, companyID snowflake.ID, limit int) ([]BalanceAdjustment, error)

	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (Subscription, error)
	CancelSubscription(ctx context.Context, companyID snowflake.ID) (Subscription, error)
	GetSubscription(ctx context.Context, companyID snowflake.ID) (Subscription, error)
}

// Renewer restores the monthly pool once the current period has elapsed.
type Renewer interface {
	RenewIfDue(ctx context.Context, companyID snowflake.ID) (bool, error)
}

// Cache holds read-path snapshots keyed by company.
type Cache interface {
	Get(ctx context.Context, companyID snowflake.ID) (AvailableBalance, bool)
	Set(ctx context.Context, balance AvailableBalance)
	Invalidate(ctx context.Context, companyID snowflake.ID)
}

// Package domain contains the persistence models for token balances.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingCycle is the invoicing cadence of a plan. Quotas renew monthly for both.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription holds a company's token pools. One active row per company.
type Subscription struct {
	ID                    snowflake.ID       `gorm:"primaryKey"`
	CompanyID             snowflake.ID       `gorm:"not null;index"`
	PlanID                string             `gorm:"type:text;not null"`
	BillingCycle          BillingCycle       `gorm:"type:text;not null"`
	MonthlyTokenQuota     int64              `gorm:"not null;default:0"`
	MonthlyQuotaBalance   int64              `gorm:"not null;default:0"`
	PurchasedTokenBalance int64              `gorm:"not null;default:0"`
	ReservedTokens        int64              `gorm:"not null;default:0"`
	CurrentPeriodStart    *time.Time         `gorm:""`
	CurrentPeriodEnd      *time.Time         `gorm:"index"`
	LastQuotaResetAt      *time.Time         `gorm:""`
	BillingAnchorDay      int16              `gorm:"type:smallint;not null;default:1"`
	Status                SubscriptionStatus `gorm:"type:text;not null"`
	CreatedAt             time.Time          `gorm:"not null"`
	UpdatedAt             time.Time          `gorm:"not null"`
	CancelledAt           *time.Time         `gorm:""`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Available is the spendable amount: both pools minus outstanding holds.
func (s Subscription) Available() int64 {
	return s.MonthlyQuotaBalance + s.PurchasedTokenBalance - s.ReservedTokens
}

// Balance converts the row into a point-in-time view.
func (s Subscription) Balance(asOf time.Time) AvailableBalance {
	return AvailableBalance{
		CompanyID:        s.CompanyID,
		Monthly:          s.MonthlyQuotaBalance,
		Purchased:        s.PurchasedTokenBalance,
		Reserved:         s.ReservedTokens,
		Available:        s.Available(),
		MonthlyQuota:     s.MonthlyTokenQuota,
		CurrentPeriodEnd: utc(s.CurrentPeriodEnd),
		AsOf:             asOf.UTC(),
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// AvailableBalance is a snapshot of a company's pools.
type AvailableBalance struct {
	CompanyID        snowflake.ID `json:"company_id"`
	Monthly          int64        `json:"monthly"`
	Purchased        int64        `json:"purchased"`
	Reserved         int64        `json:"reserved"`
	Available        int64        `json:"available"`
	MonthlyQuota     int64        `json:"monthly_quota"`
	CurrentPeriodEnd *time.Time   `json:"current_period_end,omitempty"`
	AsOf             time.Time    `json:"as_of"`
}

// AdjustmentReason labels non-capture balance mutations.
type AdjustmentReason string

const (
	AdjustmentReasonCredit     AdjustmentReason = "credit"
	AdjustmentReasonRenewal    AdjustmentReason = "renewal"
	AdjustmentReasonReserve    AdjustmentReason = "reserve"
	AdjustmentReasonRelease    AdjustmentReason = "release"
	AdjustmentReasonPlanChange AdjustmentReason = "plan_change"
)

// BalanceAdjustment is the append-only audit row for every mutation that is
// not a capture. Captures are audited by their deduction record.
type BalanceAdjustment struct {
	ID              snowflake.ID     `gorm:"primaryKey"`
	CompanyID       snowflake.ID     `gorm:"not null;uniqueIndex:ux_balance_adjustments_reference,priority:1;index"`
	SubscriptionID  snowflake.ID     `gorm:"not null"`
	Reason          AdjustmentReason `gorm:"type:text;not null"`
	Reference       *string          `gorm:"type:text;uniqueIndex:ux_balance_adjustments_reference,priority:2"`
	JobID           *string          `gorm:"type:text;index"`
	MonthlyDelta    int64            `gorm:"not null;default:0"`
	PurchasedDelta  int64            `gorm:"not null;default:0"`
	ReservedDelta   int64            `gorm:"not null;default:0"`
	MonthlyBefore   int64            `gorm:"not null"`
	PurchasedBefore int64            `gorm:"not null"`
	ReservedBefore  int64            `gorm:"not null"`
	MonthlyAfter    int64            `gorm:"not null"`
	PurchasedAfter  int64            `gorm:"not null"`
	ReservedAfter   int64            `gorm:"not null"`
	CreatedAt       time.Time        `gorm:"not null"`
}

// TableName sets the database table name.
func (BalanceAdjustment) TableName() string { return "balance_adjustments" }

// Package domain contains the persistence models for captured token usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason records why a job's usage was captured.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonCancelled Reason = "cancelled"
)

// DeductionRecord is the append-only proof that a job's usage was charged.
// (company_id, idempotency_key) is unique, so a job is charged at most once.
type DeductionRecord struct {
	ID                    snowflake.ID `gorm:"primaryKey"`
	CompanyID             snowflake.ID `gorm:"not null;uniqueIndex:ux_deduction_records_idempotency,priority:1"`
	IdempotencyKey        string       `gorm:"type:text;not null;uniqueIndex:ux_deduction_records_idempotency,priority:2"`
	ReservationID         snowflake.ID `gorm:"not null;index"`
	Amount                int64        `gorm:"not null"`
	DeductedFromPurchased int64        `gorm:"not null"`
	DeductedFromMonthly   int64        `gorm:"not null"`
	AmountReleased        int64        `gorm:"not null;default:0"`
	MonthlyBefore         int64        `gorm:"not null"`
	PurchasedBefore       int64        `gorm:"not null"`
	ReservedBefore        int64        `gorm:"not null"`
	MonthlyAfter          int64        `gorm:"not null"`
	PurchasedAfter        int64        `gorm:"not null"`
	ReservedAfter         int64        `gorm:"not null"`
	MonthlyQuota          int64        `gorm:"not null;default:0"`
	CurrentPeriodEnd      *time.Time   `gorm:""`
	Reason                Reason       `gorm:"type:text;not null"`
	ProgressPercent       *int         `gorm:""`
	CreatedAt             time.Time    `gorm:"not null;index"`
}

// TableName sets the database table name.
func (DeductionRecord) TableName() string { return "deduction_records" }

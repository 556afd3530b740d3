// Package domain contains the persistence models for job reservations.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// State tracks a reservation from hold to settlement.
type State string

const (
	StateActive            State = "active"
	StateCaptured          State = "captured"
	StatePartiallyCaptured State = "partially_captured"
	StateReleased          State = "released"
)

// Terminal reports whether the hold has already been settled.
func (s State) Terminal() bool {
	return s != StateActive
}

// Reservation is the hold placed for one job. A job carries at most one.
type Reservation struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	JobID          string            `gorm:"type:text;not null;uniqueIndex:ux_reservations_job_id"`
	CompanyID      snowflake.ID      `gorm:"not null;index:idx_reservations_company_state,priority:1"`
	SubscriptionID snowflake.ID      `gorm:"not null"`
	AmountReserved int64             `gorm:"not null"`
	AmountCaptured int64             `gorm:"not null;default:0"`
	AmountReleased int64             `gorm:"not null;default:0"`
	State          State             `gorm:"type:text;not null;index:idx_reservations_company_state,priority:2"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null"`
	UpdatedAt      time.Time         `gorm:"not null"`
	SettledAt      *time.Time        `gorm:""`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "reservations" }

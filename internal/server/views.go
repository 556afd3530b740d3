package server

import (
	"time"

	deductiondomain "github.com/smallbiznis/tokenledger/internal/deduction/domain"
	reservationdomain "github.com/smallbiznis/tokenledger/internal/reservation/domain"
)

type subscriptionView struct {
	ID                 string     `json:"id"`
	CompanyID          string     `json:"company_id"`
	PlanID             string     `json:"plan_id"`
	BillingCycle       string     `json:"billing_cycle"`
	Status             string     `json:"status"`
	MonthlyQuota       int64      `json:"monthly_quota"`
	Monthly            int64      `json:"monthly"`
	Purchased          int64      `json:"purchased"`
	Reserved           int64      `json:"reserved"`
	Available          int64      `json:"available"`
	BillingAnchorDay   int        `json:"billing_anchor_day"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	LastQuotaResetAt   *time.Time `json:"last_quota_reset_at,omitempty"`
}

type reservationView struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	CompanyID      string         `json:"company_id"`
	AmountReserved int64          `json:"amount_reserved"`
	AmountCaptured int64          `json:"amount_captured"`
	AmountReleased int64          `json:"amount_released"`
	State          string         `json:"state"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	SettledAt      *time.Time     `json:"settled_at,omitempty"`
}

func newReservationView(r reservationdomain.Reservation) reservationView {
	return reservationView{
		ID:             r.ID.String(),
		JobID:          r.JobID,
		CompanyID:      r.CompanyID.String(),
		AmountReserved: r.AmountReserved,
		AmountCaptured: r.AmountCaptured,
		AmountReleased: r.AmountReleased,
		State:          string(r.State),
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt,
		SettledAt:      r.SettledAt,
	}
}

type deductionView struct {
	ID                    string    `json:"id"`
	JobID                 string    `json:"job_id"`
	ReservationID         string    `json:"reservation_id"`
	Amount                int64     `json:"amount"`
	DeductedFromMonthly   int64     `json:"deducted_from_monthly"`
	DeductedFromPurchased int64     `json:"deducted_from_purchased"`
	Released              int64     `json:"released"`
	Reason                string    `json:"reason"`
	ProgressPercent       *int      `json:"progress_percent,omitempty"`
	MonthlyAfter          int64     `json:"monthly_after"`
	PurchasedAfter        int64     `json:"purchased_after"`
	ReservedAfter         int64     `json:"reserved_after"`
	CreatedAt             time.Time `json:"created_at"`
}

func newDeductionView(d deductiondomain.DeductionRecord) deductionView {
	return deductionView{
		ID:                    d.ID.String(),
		JobID:                 d.IdempotencyKey,
		ReservationID:         d.ReservationID.String(),
		Amount:                d.Amount,
		DeductedFromMonthly:   d.DeductedFromMonthly,
		DeductedFromPurchased: d.DeductedFromPurchased,
		Released:              d.AmountReleased,
		Reason:                string(d.Reason),
		ProgressPercent:       d.ProgressPercent,
		MonthlyAfter:          d.MonthlyAfter,
		PurchasedAfter:        d.PurchasedAfter,
		ReservedAfter:         d.ReservedAfter,
		CreatedAt:             d.CreatedAt,
	}
}

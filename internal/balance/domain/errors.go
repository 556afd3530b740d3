package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInsufficientBalance     = errors.New("insufficient_balance")
	ErrSubscriptionNotFound    = errors.New("subscription_not_found")
	ErrSubscriptionExists      = errors.New("subscription_exists")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInvalidCompany          = errors.New("invalid_company")
	ErrInvalidPlan             = errors.New("invalid_plan")
	ErrInvalidBillingCycle     = errors.New("invalid_billing_cycle")
	ErrInvalidQuota            = errors.New("invalid_quota")
	ErrReservationsOutstanding = errors.New("reservations_outstanding")
)

// LedgerError attaches tenant and job context to a sentinel.
type LedgerError struct {
	Op        string
	CompanyID snowflake.ID
	JobID     string
	Err       error
}

func (e *LedgerError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.CompanyID != 0 {
		fmt.Fprintf(&b, " company=%s", e.CompanyID)
	}
	if e.JobID != "" {
		fmt.Fprintf(&b, " job=%s", e.JobID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LedgerError) Unwrap() error { return e.Err }

// Wrap returns err annotated with op, company and job. Errors already carrying
// ledger context are returned unchanged.
func Wrap(op string, companyID snowflake.ID, jobID string, err error) error {
	if err == nil {
		return nil
	}
	var existing *LedgerError
	if errors.As(err, &existing) {
		return err
	}
	return &LedgerError{Op: op, CompanyID: companyID, JobID: jobID, Err: err}
}

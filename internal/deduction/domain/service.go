package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
)

// CaptureResult describes how a job's usage was charged. Replays of an
// already-captured job return the stored split with Idempotent set.
type CaptureResult struct {
	RecordID              snowflake.ID                   `json:"record_id,omitempty"`
	BalanceBefore         balancedomain.AvailableBalance `json:"balance_before"`
	BalanceAfter          balancedomain.AvailableBalance `json:"balance_after"`
	DeductedFromMonthly   int64                          `json:"deducted_from_monthly"`
	DeductedFromPurchased int64                          `json:"deducted_from_purchased"`
	Amount                int64                          `json:"amount"`
	Released              int64                          `json:"released"`
	Idempotent            bool                           `json:"idempotent"`
}

type Service interface {
	Capture(ctx context.Context, companyID snowflake.ID, jobID string, actualAmount int64) (CaptureResult, error)
	// CaptureOnCancellation charges ceil(progress% of the hold) and releases
	// the rest. Zero progress releases the whole hold.
	CaptureOnCancellation(ctx context.Context, companyID snowflake.ID, jobID string, progressPercent int) (CaptureResult, error)
	GetRecord(ctx context.Context, companyID snowflake.ID, jobID string) (DeductionRecord, error)
	ListRecords(ctx context.Context, companyID snowflake.ID, limit int) ([]DeductionRecord, error)
}

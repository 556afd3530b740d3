package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type ReserveOption func(*ReserveOptions)

type ReserveOptions struct {
	Metadata map[string]any
}

// WithMetadata attaches caller context (model, request source) to the hold.
func WithMetadata(metadata map[string]any) ReserveOption {
	return func(o *ReserveOptions) {
		o.Metadata = metadata
	}
}

type Service interface {
	// Reserve places a hold of amount for jobID. Retrying with the same
	// company and amount returns the existing hold.
	Reserve(ctx context.Context, companyID snowflake.ID, jobID string, amount int64, opts ...ReserveOption) (Reservation, error)
	// Release frees an active hold. Releasing a settled hold is a no-op.
	Release(ctx context.Context, jobID string) (Reservation, error)
	Get(ctx context.Context, jobID string) (Reservation, error)
	ListActive(ctx context.Context, companyID snowflake.ID) ([]Reservation, error)
}

package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")

	ctx, id := EnsureCorrelationID(ctx)

	assert.Equal(t, "corr-1", id)
	assert.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
}

func TestEnsureCorrelationIDGeneratesULID(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())

	assert.Len(t, id, 26)
	assert.Equal(t, id, CorrelationIDFromContext(ctx))
}

func TestBlankValuesAreIgnored(t *testing.T) {
	ctx := WithCompanyID(context.Background(), "  ")
	ctx = WithJobID(ctx, "job-9")

	assert.Empty(t, CompanyIDFromContext(ctx))
	assert.Equal(t, "job-9", JobIDFromContext(ctx))
}

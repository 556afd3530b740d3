package context

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

type requestIDKey struct{}
type correlationIDKey struct{}
type companyIDKey struct{}
type jobIDKey struct{}

// WithRequestID stores the inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey{})
}

// WithCorrelationID stores the id that ties a reserve to its capture or release.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return withString(ctx, correlationIDKey{}, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, correlationIDKey{})
}

// EnsureCorrelationID returns a context carrying a correlation id, minting a
// ULID when none is present.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := CorrelationIDFromContext(ctx)
	if id == "" {
		id = ulid.Make().String()
		ctx = WithCorrelationID(ctx, id)
	}
	return ctx, id
}

func WithCompanyID(ctx context.Context, companyID string) context.Context {
	return withString(ctx, companyIDKey{}, companyID)
}

func CompanyIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, companyIDKey{})
}

func WithJobID(ctx context.Context, jobID string) context.Context {
	return withString(ctx, jobIDKey{}, jobID)
}

func JobIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, jobIDKey{})
}

func withString(ctx context.Context, key any, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

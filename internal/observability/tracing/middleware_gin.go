package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per ops request. The span is named after
// the route and tagged with the company and job the request reads, so a
// balance lookup can be found next to the reserve and capture spans for the
// same job.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(tracerName + "/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method)+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(SafeAttributes(ledgerAttributes(c)...)...),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}

func ledgerAttributes(c *gin.Context) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", c.Request.Method),
		attribute.String("http.route", c.FullPath()),
	}
	if companyID := strings.TrimSpace(c.Param("id")); companyID != "" {
		attrs = append(attrs, attribute.String("company_id", companyID))
	}
	if jobID := strings.TrimSpace(c.Param("job_id")); jobID != "" {
		attrs = append(attrs, attribute.String("job_id", jobID))
	}
	if requestID := obscontext.RequestIDFromContext(c.Request.Context()); requestID != "" {
		attrs = append(attrs, attribute.String("request_id", requestID))
	}
	return attrs
}

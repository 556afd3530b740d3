package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttributes(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestGinMiddlewareTagsCompanyAndJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/v1/companies/:id/reservations/:job_id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/v1/companies/:id/balance", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/companies/42/reservations/job-9", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/companies/42/balance", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	first := spans[0]
	assert.Equal(t, "HTTP GET /v1/companies/:id/reservations/:job_id", first.Name())
	attrs := spanAttributes(first)
	assert.Equal(t, "42", attrs["company_id"].AsString())
	assert.Equal(t, "job-9", attrs["job_id"].AsString())
	assert.EqualValues(t, http.StatusOK, attrs["http.status_code"].AsInt64())

	second := spans[1]
	_, hasJob := spanAttributes(second)["job_id"]
	assert.False(t, hasJob)
	assert.Equal(t, codes.Error, second.Status().Code)
}

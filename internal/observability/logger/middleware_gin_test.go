package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGinMiddlewareLogsLedgerIdentifiers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "not_found", "deduction_not_found" },
	}))
	r.GET("/v1/companies/:id/deductions/:job_id", func(c *gin.Context) {
		_ = c.Error(errors.New("deduction_not_found"))
		c.Status(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/companies/42/deductions/job-1", nil)
	req.Header.Set("X-Correlation-Id", "corr-7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "corr-7", rec.Header().Get("X-Correlation-Id"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level, "not-found lookups stay at debug")
	fields := entries[0].ContextMap()
	assert.Equal(t, "42", fields["company_id"])
	assert.Equal(t, "job-1", fields["job_id"])
	assert.Equal(t, "corr-7", fields["correlation_id"])
	assert.Equal(t, "/v1/companies/:id/deductions/:job_id", fields["route"])
	assert.Equal(t, "deduction_not_found", fields["error_code"])
}

func TestGinMiddlewareMintsCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Len(t, rec.Header().Get("X-Correlation-Id"), 26)
}

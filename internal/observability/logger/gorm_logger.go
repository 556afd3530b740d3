package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// ledgerTables are the tables whose statements get a "table" field. Anything
// else is reported as "other".
var ledgerTables = []string{
	"deduction_records",
	"balance_adjustments",
	"reservations",
	"subscriptions",
}

// GormLoggerConfig configures the GORM zap logger.
type GormLoggerConfig struct {
	Base          *zap.Logger
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	// Expected reports statement errors the ledger handles itself, such as a
	// duplicate idempotency key or a NOWAIT lock held by a concurrent capture.
	// They are logged at debug instead of error.
	Expected func(error) bool
}

// GormLogger writes ledger SQL through zap with the company and job of the
// calling operation, and marks slow statements on the active span.
type GormLogger struct {
	base          *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
	expected      func(error) bool
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	base := cfg.Base
	if base == nil {
		base = zap.L()
	}
	level := cfg.Level
	if level == 0 {
		level = gormlogger.Warn
	}
	return &GormLogger{
		base:          base.Named("gorm"),
		level:         level,
		slowThreshold: cfg.SlowThreshold,
		expected:      cfg.Expected,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	copy := *l
	copy.level = level
	return &copy
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		WithContext(ctx, l.base).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		WithContext(ctx, l.base).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		WithContext(ctx, l.base).Error(fmt.Sprintf(msg, data...))
	}
}

// Trace logs one statement. Record-not-found is never logged.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	slow := l.slowThreshold > 0 && elapsed > l.slowThreshold

	switch {
	case err != nil && errors.Is(err, gormlogger.ErrRecordNotFound):
		return
	case err != nil && l.expected != nil && l.expected(err):
		if l.level >= gormlogger.Info {
			l.logQuery(ctx, fc, elapsed, err, zap.DebugLevel)
		}
	case err != nil && l.level >= gormlogger.Error:
		l.logQuery(ctx, fc, elapsed, err, zap.ErrorLevel)
	case slow && l.level >= gormlogger.Warn:
		l.logQuery(ctx, fc, elapsed, nil, zap.WarnLevel)
	case l.level >= gormlogger.Info:
		l.logQuery(ctx, fc, elapsed, nil, zap.DebugLevel)
	}
}

// ParamsFilter drops bound values from the logged SQL.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) logQuery(ctx context.Context, fc func() (string, int64), elapsed time.Duration, err error, level zapcore.Level) {
	sql, rows := fc()
	operation := operationFromSQL(sql)
	table := tableFromSQL(sql)

	fields := []zap.Field{
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", operation),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	log := WithContext(ctx, l.base)
	switch level {
	case zap.ErrorLevel:
		log.Error("ledger query failed", fields...)
	case zap.WarnLevel:
		markSlowQuery(ctx, operation, table, elapsed)
		log.Warn("slow ledger query", fields...)
	default:
		log.Debug("ledger query", fields...)
	}
}

// markSlowQuery records a span event so slow row locks show up on the
// reserve or capture trace that issued them.
func markSlowQuery(ctx context.Context, operation, table string, elapsed time.Duration) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
		attribute.Int64("db.duration_ms", elapsed.Milliseconds()),
	}
	if companyID := obscontext.CompanyIDFromContext(ctx); companyID != "" {
		attrs = append(attrs, attribute.String("company_id", companyID))
	}
	if jobID := obscontext.JobIDFromContext(ctx); jobID != "" {
		attrs = append(attrs, attribute.String("job_id", jobID))
	}
	span.AddEvent("slow_query", trace.WithAttributes(attrs...))
}

func operationFromSQL(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		switch token = strings.Trim(token, "();"); token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return token
		}
	}
	return "UNKNOWN"
}

func tableFromSQL(sql string) string {
	lower := strings.ToLower(sql)
	for _, table := range ledgerTables {
		if strings.Contains(lower, table) {
			return table
		}
	}
	return "other"
}

var _ gormlogger.Interface = (*GormLogger)(nil)

package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

var errDuplicate = errors.New("UNIQUE constraint failed: deduction_records.idempotency_key")

func newObservedGormLogger(level gormlogger.LogLevel) (*GormLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(GormLoggerConfig{
		Base:          zap.New(core),
		Level:         level,
		SlowThreshold: 100 * time.Millisecond,
		Expected:      func(err error) bool { return errors.Is(err, errDuplicate) },
	})
	return l, logs
}

func ledgerContext() context.Context {
	ctx := obscontext.WithCompanyID(context.Background(), "42")
	return obscontext.WithJobID(ctx, "job-1")
}

func statement(sql string) func() (string, int64) {
	return func() (string, int64) { return sql, 1 }
}

func TestGormLoggerErrorsCarryLedgerContext(t *testing.T) {
	l, logs := newObservedGormLogger(gormlogger.Warn)

	l.Trace(ledgerContext(), time.Now(), statement("UPDATE subscriptions SET reserved_tokens = 1"), errors.New("connection reset"))

	entries := logs.FilterMessage("ledger query failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "42", fields["company_id"])
	assert.Equal(t, "job-1", fields["job_id"])
	assert.Equal(t, "subscriptions", fields["table"])
	assert.Equal(t, "UPDATE", fields["operation"])
}

func TestGormLoggerKeepsExpectedErrorsQuiet(t *testing.T) {
	l, logs := newObservedGormLogger(gormlogger.Warn)

	l.Trace(ledgerContext(), time.Now(), statement("INSERT INTO deduction_records (id) VALUES (?)"), errDuplicate)
	l.Trace(ledgerContext(), time.Now(), statement("SELECT id FROM reservations"), gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	verbose, verboseLogs := newObservedGormLogger(gormlogger.Info)
	verbose.Trace(ledgerContext(), time.Now(), statement("INSERT INTO deduction_records (id) VALUES (?)"), errDuplicate)
	require.Equal(t, 1, verboseLogs.Len())
	assert.Equal(t, zapcore.DebugLevel, verboseLogs.All()[0].Level)
}

func TestGormLoggerFlagsSlowStatements(t *testing.T) {
	l, logs := newObservedGormLogger(gormlogger.Warn)

	l.Trace(ledgerContext(), time.Now().Add(-time.Second), statement("SELECT * FROM reservations WHERE job_id = ? FOR UPDATE NOWAIT"), nil)
	l.Trace(ledgerContext(), time.Now(), statement("SELECT 1"), nil)

	entries := logs.FilterMessage("slow ledger query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "reservations", entries[0].ContextMap()["table"])
	assert.Equal(t, 1, logs.Len())
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "balance_adjustments", tableFromSQL("insert into balance_adjustments (id) values (?)"))
	assert.Equal(t, "deduction_records", tableFromSQL("SELECT id FROM deduction_records"))
	assert.Equal(t, "other", tableFromSQL("SELECT 1"))
}

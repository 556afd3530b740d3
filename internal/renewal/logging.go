package renewal

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (r *Renewer) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     r.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	// Renewals issued by this sweep log the run id as their correlation id.
	ctx = obscontext.WithCorrelationID(context.WithValue(ctx, jobRunKey{}, run), run.runID)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (r *Renewer) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, r.log)
}

func (r *Renewer) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	r.logger(ctx).Info("renewal.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (r *Renewer) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := r.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("renewal.job.finish", fields...)
		return
	}
	log.Info("renewal.job.finish", fields...)
}

func (r *Renewer) logJobError(ctx context.Context, run *jobRun, msg string, job string, companyID string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run != nil {
		run.IncError()
	}
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("company_id", companyID),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.String("error", err.Error()),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
	}
	r.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobQuotaRenewal       = "quota_renewal"
	resourceSubscriptions = "subscriptions"
)

func (r *Renewer) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := r.ensureJobRun(ctx, name, batchSize)
	if owner {
		r.logJobStart(ctx, run)
	}
	log := r.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		r.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		// The next tick picks up where this run stopped.
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs a single sweep with the current tuning.
func (r *Renewer) RunOnce(parent context.Context) error {
	cfg := r.cfg.Get()
	return r.runJob(parent, jobQuotaRenewal, cfg.SweepBatchSize, cfg.SweepJobTimeout, r.SweepJob)
}

func (r *Renewer) RunForever(ctx context.Context) {
	interval := r.cfg.Get().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := time.Now().Add(interval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("renewal sweep failed", zap.Error(err))
		}

		// Pick up interval edits from the hot-reloaded config.
		if next := r.cfg.Get().SweepInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
		nextRun = time.Now().Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepJob renews every subscription whose period has elapsed, claiming them
// in batches with SKIP LOCKED so concurrent instances split the work.
func (r *Renewer) SweepJob(ctx context.Context) error {
	batchSize := r.cfg.Get().SweepBatchSize
	ctx, run, owner := r.ensureJobRun(ctx, jobQuotaRenewal, batchSize)
	if owner {
		r.logJobStart(ctx, run)
		defer r.logJobFinish(ctx, run)
	}
	now := r.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		claimed, processed, batchErr := r.sweepBatch(ctx, now, batchSize, run)
		if batchErr != nil {
			jobErr = errors.Join(jobErr, batchErr)
		}
		run.AddProcessed(processed)
		if processed == 0 || claimed < batchSize {
			break
		}
	}

	return jobErr
}

func (r *Renewer) sweepBatch(ctx context.Context, now time.Time, batchSize int, run *jobRun) (int, int, error) {
	var batchErr error
	schedMetrics := obsmetrics.Scheduler()

	var subs []balancedomain.Subscription
	claimStart := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		subs, err = r.repo.ListDueForRenewal(ctx, tx, now, batchSize)
		return err
	})
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceSubscriptionsDueForRenewal, time.Since(claimStart))
	if err != nil {
		schedMetrics.IncBatchDeferred(jobQuotaRenewal, obsmetrics.ClassifySchedulerJobReason(err))
		r.logJobError(ctx, run, "renewal.batch.claim.failed", jobQuotaRenewal, "", err)
		return 0, 0, err
	}
	if len(subs) == 0 {
		schedMetrics.IncBatchDeferred(jobQuotaRenewal, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return 0, 0, nil
	}

	processed := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			batchErr = errors.Join(batchErr, ctx.Err())
			schedMetrics.IncBatchDeferred(jobQuotaRenewal, obsmetrics.ClassifySchedulerJobReason(ctx.Err()))
			break
		}

		var renewed bool
		txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := r.repo.FindActiveForUpdate(ctx, tx, sub.CompanyID)
			if err != nil {
				return err
			}
			if locked == nil || locked.ID != sub.ID {
				return nil
			}
			renewed, err = r.renewTx(ctx, tx, locked, now)
			return err
		})
		if txErr != nil {
			batchErr = errors.Join(batchErr, txErr)
			schedMetrics.IncBatchDeferred(jobQuotaRenewal, obsmetrics.ClassifySchedulerJobReason(txErr))
			r.logJobError(ctx, run, "renewal.subscription.failed", jobQuotaRenewal, sub.CompanyID.String(), txErr,
				zap.String("subscription_id", sub.ID.String()),
			)
			continue
		}
		if !renewed {
			schedMetrics.IncBatchDeferred(jobQuotaRenewal, obsmetrics.SchedulerBatchDeferredReasonLostRace)
			continue
		}

		r.finish(ctx, sub.CompanyID, true)
		processed++
	}

	if processed > 0 {
		schedMetrics.AddBatchProcessed(jobQuotaRenewal, resourceSubscriptions, processed)
	}
	return len(subs), processed, batchErr
}

package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_renewal_config")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    balancedomain.Repository
	Cache   balancedomain.Cache        `optional:"true"`
	Config  *config.LedgerConfigHolder `optional:"true"`
	Metrics *obsmetrics.Metrics        `optional:"true"`
}

// Renewer restores monthly pools when a period elapses, lazily on reads and
// from the periodic sweep.
type Renewer struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    balancedomain.Repository
	cache   balancedomain.Cache
	cfg     *config.LedgerConfigHolder
	metrics *obsmetrics.Metrics
}

func New(p Params) (*Renewer, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Repo == nil {
		return nil, ErrInvalidConfig
	}
	return &Renewer{
		db:      p.DB,
		log:     p.Log.Named("renewal").With(zap.String("component", "renewal")),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		cache:   p.Cache,
		cfg:     p.Config,
		metrics: p.Metrics,
	}, nil
}

// RenewIfDue renews the company's monthly pool when its period has elapsed.
// It reports whether this call performed the renewal; a lost race is not an
// error.
func (r *Renewer) RenewIfDue(ctx context.Context, companyID snowflake.ID) (bool, error) {
	if companyID == 0 {
		return false, balancedomain.ErrInvalidCompany
	}

	now := r.clock.Now()
	current, err := r.repo.FindActive(ctx, r.db, companyID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, balancedomain.ErrSubscriptionNotFound
	}
	if !isDue(current, now) {
		return false, nil
	}

	ctx = obscontext.WithCompanyID(ctx, companyID.String())
	ctx, span := tracing.StartSpan(ctx, "renewal.RenewIfDue", attribute.String("company_id", companyID.String()))

	var renewed bool
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := r.repo.FindActiveForUpdate(ctx, tx, companyID)
		if err != nil {
			return err
		}
		if sub == nil {
			return balancedomain.ErrSubscriptionNotFound
		}
		renewed, err = r.renewTx(ctx, tx, sub, now)
		return err
	})
	tracing.EndSpan(span, err)
	if err != nil {
		r.metrics.RecordOperation(ctx, obsmetrics.OperationRenewal, obsmetrics.OutcomeFromError(err))
		return false, balancedomain.Wrap("renew", companyID, "", err)
	}
	r.finish(ctx, companyID, renewed)
	return renewed, nil
}

func (r *Renewer) finish(ctx context.Context, companyID snowflake.ID, renewed bool) {
	if !renewed {
		r.metrics.RecordOperation(ctx, obsmetrics.OperationRenewal, obsmetrics.OutcomeNoop)
		return
	}
	if r.cache != nil {
		r.cache.Invalidate(ctx, companyID)
	}
	r.metrics.RecordOperation(ctx, obsmetrics.OperationRenewal, obsmetrics.OutcomeOK)
}

// isDue mirrors the guard of the conditional period update.
func isDue(sub *balancedomain.Subscription, now time.Time) bool {
	if sub.MonthlyTokenQuota <= 0 || sub.CurrentPeriodEnd == nil {
		return false
	}
	end := *sub.CurrentPeriodEnd
	if now.Before(end) {
		return false
	}
	return sub.LastQuotaResetAt == nil || sub.LastQuotaResetAt.Before(end)
}

// nextPeriod walks forward from the elapsed period end until the period
// covers now, at most maxPeriods steps. caughtUp is false when the bound
// stopped the walk.
func nextPeriod(end time.Time, anchorDay int, now time.Time, maxPeriods int) (start, next time.Time, caughtUp bool) {
	if maxPeriods < 1 {
		maxPeriods = 1
	}
	start = end
	next = balancedomain.AddMonths(start, 1, anchorDay)
	for steps := 1; !now.Before(next); steps++ {
		if steps >= maxPeriods {
			return start, next, false
		}
		start = next
		next = balancedomain.AddMonths(start, 1, anchorDay)
	}
	return start, next, true
}

// renewTx performs one conditional period advance for a locked subscription.
func (r *Renewer) renewTx(ctx context.Context, tx *gorm.DB, sub *balancedomain.Subscription, now time.Time) (bool, error) {
	if !isDue(sub, now) {
		return false, nil
	}

	oldEnd := *sub.CurrentPeriodEnd
	start, next, caughtUp := nextPeriod(oldEnd, int(sub.BillingAnchorDay), now, r.cfg.Get().MaxCatchUpPeriods)
	resetAt := now
	if !caughtUp {
		// Keep the reset behind the new period end so the next pass continues.
		resetAt = start
	}

	ok, err := r.repo.AdvancePeriod(ctx, tx, sub.ID, oldEnd, start, next, resetAt, now)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	reference := fmt.Sprintf("renewal:%s", start.UTC().Format(time.RFC3339))
	adjustment := &balancedomain.BalanceAdjustment{
		ID:              r.genID.Generate(),
		CompanyID:       sub.CompanyID,
		SubscriptionID:  sub.ID,
		Reason:          balancedomain.AdjustmentReasonRenewal,
		Reference:       &reference,
		MonthlyDelta:    sub.MonthlyTokenQuota - sub.MonthlyQuotaBalance,
		MonthlyBefore:   sub.MonthlyQuotaBalance,
		PurchasedBefore: sub.PurchasedTokenBalance,
		ReservedBefore:  sub.ReservedTokens,
		MonthlyAfter:    sub.MonthlyTokenQuota,
		PurchasedAfter:  sub.PurchasedTokenBalance,
		ReservedAfter:   sub.ReservedTokens,
		CreatedAt:       now,
	}
	if err := r.repo.InsertAdjustment(ctx, tx, adjustment); err != nil {
		return false, err
	}

	r.logger(ctx).Info("monthly quota renewed",
		zap.String("company_id", sub.CompanyID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.Int64("monthly_before", sub.MonthlyQuotaBalance),
		zap.Int64("monthly_token_quota", sub.MonthlyTokenQuota),
		zap.Time("period_start", start),
		zap.Time("period_end", next),
		zap.Bool("caught_up", caughtUp),
	)
	return true, nil
}

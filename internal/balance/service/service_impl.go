package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/internal/clock"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/observability/tracing"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultAdjustmentLimit = 50
	maxAdjustmentLimit     = 500
)

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    balancedomain.Repository
	cache   balancedomain.Cache
	renewer balancedomain.Renewer
	metrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    balancedomain.Repository
	Cache   balancedomain.Cache   `optional:"true"`
	Renewer balancedomain.Renewer `optional:"true"`
	Metrics *obsmetrics.Metrics   `optional:"true"`
}

func NewService(p ServiceParam) balancedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("balance.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		cache:   p.Cache,
		renewer: p.Renewer,
		metrics: p.Metrics,
	}
}

func (s *Service) GetAvailable(ctx context.Context, companyID snowflake.ID) (balancedomain.AvailableBalance, error) {
	if companyID == 0 {
		return balancedomain.AvailableBalance{}, balancedomain.ErrInvalidCompany
	}
	sub, err := s.repo.FindActive(ctx, s.db, companyID)
	if err != nil {
		return balancedomain.AvailableBalance{}, err
	}
	if sub == nil {
		return balancedomain.AvailableBalance{}, balancedomain.Wrap("get_available", companyID, "", balancedomain.ErrSubscriptionNotFound)
	}
	return sub.Balance(s.clock.Now()), nil
}

// GetBalance is the cached read path. A snapshot whose period has already
// elapsed is bypassed so the lazy renewal runs first.
func (s *Service) GetBalance(ctx context.Context, companyID snowflake.ID) (balancedomain.AvailableBalance, error) {
	if companyID == 0 {
		return balancedomain.AvailableBalance{}, balancedomain.ErrInvalidCompany
	}

	now := s.clock.Now()
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, companyID); ok && !periodElapsed(cached, now) {
			return cached, nil
		}
	}

	if s.renewer != nil {
		if _, err := s.renewer.RenewIfDue(ctx, companyID); err != nil && !errors.Is(err, balancedomain.ErrSubscriptionNotFound) {
			obslogger.WithContext(ctx, s.log).Warn("lazy renewal failed, serving current balance",
				zap.String("company_id", companyID.String()),
				zap.Error(err),
			)
		}
	}

	balance, err := s.GetAvailable(ctx, companyID)
	if err != nil {
		return balancedomain.AvailableBalance{}, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, balance)
	}
	return balance, nil
}

func periodElapsed(balance balancedomain.AvailableBalance, now time.Time) bool {
	return balance.MonthlyQuota > 0 && balance.CurrentPeriodEnd != nil && !now.Before(*balance.CurrentPeriodEnd)
}

func (s *Service) ApplyDelta(ctx context.Context, companyID snowflake.ID, delta balancedomain.Delta) (balancedomain.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "balance.ApplyDelta",
		attribute.String("company_id", companyID.String()),
	)
	var result balancedomain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ApplyDeltaTx(ctx, tx, companyID, delta)
		return err
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return balancedomain.Result{}, balancedomain.Wrap("apply_delta", companyID, "", err)
	}
	s.Invalidate(ctx, companyID)
	return result, nil
}

// ApplyDeltaTx runs the guarded pool update inside tx. The caller owns the
// transaction and must call Invalidate once it commits.
func (s *Service) ApplyDeltaTx(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, delta balancedomain.Delta) (balancedomain.Result, error) {
	if companyID == 0 {
		return balancedomain.Result{}, balancedomain.ErrInvalidCompany
	}
	if delta.IsZero() {
		return balancedomain.Result{}, balancedomain.ErrInvalidAmount
	}

	sub, err := s.repo.FindActiveForUpdate(ctx, tx, companyID)
	if err != nil {
		return balancedomain.Result{}, err
	}
	if sub == nil {
		return balancedomain.Result{}, balancedomain.ErrSubscriptionNotFound
	}

	now := s.clock.Now()
	applied, err := s.repo.ApplyDelta(ctx, tx, sub.ID, delta, now)
	if err != nil {
		return balancedomain.Result{}, err
	}
	if !applied {
		return balancedomain.Result{}, balancedomain.ErrInsufficientBalance
	}

	after, err := s.repo.FindByID(ctx, tx, sub.ID)
	if err != nil {
		return balancedomain.Result{}, err
	}
	if after == nil {
		return balancedomain.Result{}, balancedomain.ErrSubscriptionNotFound
	}

	result := balancedomain.Result{
		SubscriptionID: sub.ID,
		Before:         sub.Balance(now),
		After:          after.Balance(now),
	}

	if delta.Reason != "" {
		adjustment := s.newAdjustment(sub, after, delta.Reason, delta.Reference, now)
		if delta.JobID != "" {
			jobID := delta.JobID
			adjustment.JobID = &jobID
		}
		if err := s.repo.InsertAdjustment(ctx, tx, adjustment); err != nil {
			return balancedomain.Result{}, err
		}
	}

	return result, nil
}

func (s *Service) CreditPurchased(ctx context.Context, companyID snowflake.ID, amount int64, reference string) (balancedomain.CreditResult, error) {
	if amount <= 0 {
		s.metrics.RecordOperation(ctx, obsmetrics.OperationCredit, obsmetrics.OutcomeFromError(balancedomain.ErrInvalidAmount))
		return balancedomain.CreditResult{}, balancedomain.Wrap("credit_purchased", companyID, "", balancedomain.ErrInvalidAmount)
	}
	reference = strings.TrimSpace(reference)

	ctx, span := tracing.StartSpan(ctx, "balance.CreditPurchased",
		attribute.String("company_id", companyID.String()),
		attribute.Int64("ledger.amount", amount),
	)

	var out balancedomain.CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if reference != "" {
			if _, err := s.lockActive(ctx, tx, companyID); err != nil {
				return err
			}
			existing, err := s.repo.FindAdjustmentByReference(ctx, tx, companyID, reference)
			if err != nil {
				return err
			}
			if existing != nil {
				out = balancedomain.CreditResult{Result: resultFromAdjustment(existing), Idempotent: true}
				return nil
			}
		}

		result, err := s.ApplyDeltaTx(ctx, tx, companyID, balancedomain.Delta{
			Purchased: amount,
			Reason:    balancedomain.AdjustmentReasonCredit,
			Reference: reference,
		})
		if err != nil {
			return err
		}
		out = balancedomain.CreditResult{Result: result}
		return nil
	})
	if err != nil && reference != "" && db.IsDuplicateKeyErr(err) {
		// A concurrent credit with the same reference committed first.
		existing, findErr := s.repo.FindAdjustmentByReference(ctx, s.db, companyID, reference)
		if findErr == nil && existing != nil {
			out = balancedomain.CreditResult{Result: resultFromAdjustment(existing), Idempotent: true}
			err = nil
		}
	}
	tracing.EndSpan(span, err)
	if err != nil {
		s.metrics.RecordOperation(ctx, obsmetrics.OperationCredit, obsmetrics.OutcomeFromError(err))
		return balancedomain.CreditResult{}, balancedomain.Wrap("credit_purchased", companyID, "", err)
	}

	if out.Idempotent {
		s.metrics.RecordOperation(ctx, obsmetrics.OperationCredit, obsmetrics.OutcomeIdempotent)
		return out, nil
	}

	s.Invalidate(ctx, companyID)
	s.metrics.RecordOperation(ctx, obsmetrics.OperationCredit, obsmetrics.OutcomeOK)
	s.metrics.RecordTokens(ctx, obsmetrics.OperationCredit, amount)
	obslogger.WithContext(ctx, s.log).Info("purchased tokens credited",
		zap.String("company_id", companyID.String()),
		zap.Int64("amount", amount),
		zap.String("reference", reference),
		zap.Int64("purchased_after", out.After.Purchased),
	)
	return out, nil
}

func (s *Service) Invalidate(ctx context.Context, companyID snowflake.ID) {
	if s.cache == nil || companyID == 0 {
		return
	}
	s.cache.Invalidate(ctx, companyID)
}

func (s *Service) ListAdjustments(ctx context.Context, companyID snowflake.ID, limit int) ([]balancedomain.BalanceAdjustment, error) {
	if companyID == 0 {
		return nil, balancedomain.ErrInvalidCompany
	}
	switch {
	case limit <= 0:
		limit = defaultAdjustmentLimit
	case limit > maxAdjustmentLimit:
		limit = maxAdjustmentLimit
	}
	return s.repo.ListAdjustments(ctx, s.db, companyID, limit)
}

func (s *Service) GetSubscription(ctx context.Context, companyID snowflake.ID) (balancedomain.Subscription, error) {
	if companyID == 0 {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidCompany
	}
	sub, err := s.repo.FindActive(ctx, s.db, companyID)
	if err != nil {
		return balancedomain.Subscription{}, err
	}
	if sub == nil {
		return balancedomain.Subscription{}, balancedomain.Wrap("get_subscription", companyID, "", balancedomain.ErrSubscriptionNotFound)
	}
	return *sub, nil
}

func (s *Service) LockTx(ctx context.Context, tx *gorm.DB, companyID snowflake.ID) (balancedomain.Subscription, error) {
	if companyID == 0 {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidCompany
	}
	sub, err := s.lockActive(ctx, tx, companyID)
	if err != nil {
		return balancedomain.Subscription{}, err
	}
	return *sub, nil
}

func (s *Service) lockActive(ctx context.Context, tx *gorm.DB, companyID snowflake.ID) (*balancedomain.Subscription, error) {
	sub, err := s.repo.FindActiveForUpdate(ctx, tx, companyID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, balancedomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) newAdjustment(before, after *balancedomain.Subscription, reason balancedomain.AdjustmentReason, reference string, now time.Time) *balancedomain.BalanceAdjustment {
	var ref *string
	if reference != "" {
		ref = &reference
	}
	return &balancedomain.BalanceAdjustment{
		ID:              s.genID.Generate(),
		CompanyID:       before.CompanyID,
		SubscriptionID:  before.ID,
		Reason:          reason,
		Reference:       ref,
		MonthlyDelta:    after.MonthlyQuotaBalance - before.MonthlyQuotaBalance,
		PurchasedDelta:  after.PurchasedTokenBalance - before.PurchasedTokenBalance,
		ReservedDelta:   after.ReservedTokens - before.ReservedTokens,
		MonthlyBefore:   before.MonthlyQuotaBalance,
		PurchasedBefore: before.PurchasedTokenBalance,
		ReservedBefore:  before.ReservedTokens,
		MonthlyAfter:    after.MonthlyQuotaBalance,
		PurchasedAfter:  after.PurchasedTokenBalance,
		ReservedAfter:   after.ReservedTokens,
		CreatedAt:       now,
	}
}

func resultFromAdjustment(adj *balancedomain.BalanceAdjustment) balancedomain.Result {
	return balancedomain.Result{
		SubscriptionID: adj.SubscriptionID,
		Before: balancedomain.AvailableBalance{
			CompanyID: adj.CompanyID,
			Monthly:   adj.MonthlyBefore,
			Purchased: adj.PurchasedBefore,
			Reserved:  adj.ReservedBefore,
			Available: adj.MonthlyBefore + adj.PurchasedBefore - adj.ReservedBefore,
			AsOf:      adj.CreatedAt,
		},
		After: balancedomain.AvailableBalance{
			CompanyID: adj.CompanyID,
			Monthly:   adj.MonthlyAfter,
			Purchased: adj.PurchasedAfter,
			Reserved:  adj.ReservedAfter,
			Available: adj.MonthlyAfter + adj.PurchasedAfter - adj.ReservedAfter,
			AsOf:      adj.CreatedAt,
		},
	}
}

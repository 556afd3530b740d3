package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateSubscription opens the company's active subscription with a full
// monthly pool. Free plans (quota 0) carry no period.
func (s *Service) CreateSubscription(ctx context.Context, req balancedomain.CreateSubscriptionRequest) (balancedomain.Subscription, error) {
	if req.CompanyID == 0 {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidCompany
	}
	planID := strings.TrimSpace(req.PlanID)
	if planID == "" {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidPlan
	}
	cycle, err := normalizeCycle(req.BillingCycle)
	if err != nil {
		return balancedomain.Subscription{}, err
	}
	if req.MonthlyTokenQuota < 0 {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidQuota
	}
	if req.PurchasedTokenBalance < 0 {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	start := now
	if req.StartAt != nil {
		start = req.StartAt.UTC()
	}

	sub := balancedomain.Subscription{
		ID:                    s.genID.Generate(),
		CompanyID:             req.CompanyID,
		PlanID:                planID,
		BillingCycle:          cycle,
		MonthlyTokenQuota:     req.MonthlyTokenQuota,
		MonthlyQuotaBalance:   req.MonthlyTokenQuota,
		PurchasedTokenBalance: req.PurchasedTokenBalance,
		BillingAnchorDay:      int16(start.Day()),
		Status:                balancedomain.SubscriptionStatusActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if req.MonthlyTokenQuota > 0 {
		end := balancedomain.AddMonths(start, 1, start.Day())
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.LastQuotaResetAt = &start
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindActiveForUpdate(ctx, tx, req.CompanyID)
		if err != nil {
			return err
		}
		if existing != nil {
			return balancedomain.ErrSubscriptionExists
		}
		if err := s.repo.Insert(ctx, tx, &sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return balancedomain.ErrSubscriptionExists
			}
			return err
		}
		if sub.PurchasedTokenBalance > 0 {
			opening := sub
			opening.PurchasedTokenBalance = 0
			return s.repo.InsertAdjustment(ctx, tx, s.newAdjustment(&opening, &sub, balancedomain.AdjustmentReasonCredit, "", now))
		}
		return nil
	})
	if err != nil {
		return balancedomain.Subscription{}, balancedomain.Wrap("create_subscription", req.CompanyID, "", err)
	}

	s.Invalidate(ctx, req.CompanyID)
	obslogger.WithContext(ctx, s.log).Info("subscription created",
		zap.String("company_id", req.CompanyID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", planID),
		zap.Int64("monthly_token_quota", sub.MonthlyTokenQuota),
	)
	return sub, nil
}

// ChangePlan swaps the quota in place. An upgrade grants the quota difference
// immediately, a downgrade clamps the monthly pool to the new quota. A
// downgrade that would leave outstanding holds uncovered is refused.
func (s *Service) ChangePlan(ctx context.Context, req balancedomain.ChangePlanRequest) (balancedomain.Subscription, error) {
	if req.CompanyID == 0 {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidCompany
	}
	planID := strings.TrimSpace(req.PlanID)
	if planID == "" {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidPlan
	}
	cycle, err := normalizeCycle(req.BillingCycle)
	if err != nil {
		return balancedomain.Subscription{}, err
	}
	if req.MonthlyTokenQuota < 0 {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidQuota
	}

	var updated balancedomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockActive(ctx, tx, req.CompanyID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		next := *current
		next.PlanID = planID
		next.BillingCycle = cycle
		next.MonthlyTokenQuota = req.MonthlyTokenQuota
		next.UpdatedAt = now

		switch {
		case req.MonthlyTokenQuota == 0:
			next.MonthlyQuotaBalance = 0
			next.CurrentPeriodStart = nil
			next.CurrentPeriodEnd = nil
			next.LastQuotaResetAt = nil
		case current.MonthlyTokenQuota == 0 || current.CurrentPeriodEnd == nil:
			end := balancedomain.AddMonths(now, 1, now.Day())
			next.MonthlyQuotaBalance = req.MonthlyTokenQuota
			next.CurrentPeriodStart = &now
			next.CurrentPeriodEnd = &end
			next.LastQuotaResetAt = &now
			next.BillingAnchorDay = int16(now.Day())
		case req.MonthlyTokenQuota > current.MonthlyTokenQuota:
			next.MonthlyQuotaBalance = current.MonthlyQuotaBalance + (req.MonthlyTokenQuota - current.MonthlyTokenQuota)
		default:
			next.MonthlyQuotaBalance = min(current.MonthlyQuotaBalance, req.MonthlyTokenQuota)
		}

		if next.Available() < 0 {
			return balancedomain.ErrReservationsOutstanding
		}
		ok, err := s.repo.UpdatePlan(ctx, tx, &next)
		if err != nil {
			return err
		}
		if !ok {
			return balancedomain.ErrReservationsOutstanding
		}
		if next.MonthlyQuotaBalance != current.MonthlyQuotaBalance {
			if err := s.repo.InsertAdjustment(ctx, tx, s.newAdjustment(current, &next, balancedomain.AdjustmentReasonPlanChange, "", now)); err != nil {
				return err
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		return balancedomain.Subscription{}, balancedomain.Wrap("change_plan", req.CompanyID, "", err)
	}

	s.Invalidate(ctx, req.CompanyID)
	obslogger.WithContext(ctx, s.log).Info("subscription plan changed",
		zap.String("company_id", req.CompanyID.String()),
		zap.String("plan_id", planID),
		zap.Int64("monthly_token_quota", updated.MonthlyTokenQuota),
		zap.Int64("monthly_quota_balance", updated.MonthlyQuotaBalance),
	)
	return updated, nil
}

// CancelSubscription archives the active subscription. Rows are never
// deleted, and a subscription with outstanding holds cannot be archived.
func (s *Service) CancelSubscription(ctx context.Context, companyID snowflake.ID) (balancedomain.Subscription, error) {
	if companyID == 0 {
		return balancedomain.Subscription{}, balancedomain.ErrInvalidCompany
	}

	var cancelled balancedomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockActive(ctx, tx, companyID)
		if err != nil {
			return err
		}
		if current.ReservedTokens > 0 {
			return balancedomain.ErrReservationsOutstanding
		}
		now := s.clock.Now()
		ok, err := s.repo.Cancel(ctx, tx, current.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return balancedomain.ErrReservationsOutstanding
		}
		cancelled = *current
		cancelled.Status = balancedomain.SubscriptionStatusCancelled
		cancelled.CancelledAt = &now
		cancelled.UpdatedAt = now
		return nil
	})
	if err != nil {
		return balancedomain.Subscription{}, balancedomain.Wrap("cancel_subscription", companyID, "", err)
	}

	s.Invalidate(ctx, companyID)
	obslogger.WithContext(ctx, s.log).Info("subscription cancelled",
		zap.String("company_id", companyID.String()),
		zap.String("subscription_id", cancelled.ID.String()),
	)
	return cancelled, nil
}

func normalizeCycle(cycle balancedomain.BillingCycle) (balancedomain.BillingCycle, error) {
	switch balancedomain.BillingCycle(strings.ToLower(strings.TrimSpace(string(cycle)))) {
	case "", balancedomain.BillingCycleMonthly:
		return balancedomain.BillingCycleMonthly, nil
	case balancedomain.BillingCycleYearly:
		return balancedomain.BillingCycleYearly, nil
	default:
		return "", balancedomain.ErrInvalidBillingCycle
	}
}

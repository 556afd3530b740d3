package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	deductiondomain "github.com/smallbiznis/tokenledger/internal/deduction/domain"
	"github.com/smallbiznis/tokenledger/internal/lock"
	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/observability/tracing"
	reservationdomain "github.com/smallbiznis/tokenledger/internal/reservation/domain"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	captureLockPrefix = "tokenledger:capture:"
)

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         deductiondomain.Repository
	reservations reservationdomain.Repository
	balance      balancedomain.Service
	locker       lock.Locker
	cfg          *config.LedgerConfigHolder
	metrics      *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         deductiondomain.Repository
	Reservations reservationdomain.Repository
	Balance      balancedomain.Service
	Locker       lock.Locker
	Config       *config.LedgerConfigHolder `optional:"true"`
	Metrics      *obsmetrics.Metrics        `optional:"true"`
}

func NewService(p ServiceParam) deductiondomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("deduction.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		reservations: p.Reservations,
		balance:      p.Balance,
		locker:       p.Locker,
		cfg:          p.Config,
		metrics:      p.Metrics,
	}
}

// captureRequest describes one settlement of a job's hold.
type captureRequest struct {
	operation string
	companyID snowflake.ID
	jobID     string
	reason    deductiondomain.Reason
	state     reservationdomain.State
	amount    int64
	progress  *int
}

func (r captureRequest) cancellation() bool {
	return r.progress != nil
}

// amountFor resolves the chargeable amount against the stored hold.
func (r captureRequest) amountFor(reserved int64) int64 {
	if r.cancellation() {
		return deductiondomain.CancellationAmount(reserved, *r.progress)
	}
	return r.amount
}

func (s *Service) Capture(ctx context.Context, companyID snowflake.ID, jobID string, actualAmount int64) (deductiondomain.CaptureResult, error) {
	req := captureRequest{
		operation: obsmetrics.OperationCapture,
		companyID: companyID,
		jobID:     strings.TrimSpace(jobID),
		reason:    deductiondomain.ReasonCompleted,
		state:     reservationdomain.StateCaptured,
		amount:    actualAmount,
	}
	if actualAmount < 0 {
		return s.reject(ctx, req, deductiondomain.ErrInvalidAmount)
	}
	return s.capture(ctx, req)
}

func (s *Service) CaptureOnCancellation(ctx context.Context, companyID snowflake.ID, jobID string, progressPercent int) (deductiondomain.CaptureResult, error) {
	req := captureRequest{
		operation: obsmetrics.OperationCaptureOnCancellation,
		companyID: companyID,
		jobID:     strings.TrimSpace(jobID),
		reason:    deductiondomain.ReasonCancelled,
		state:     reservationdomain.StatePartiallyCaptured,
		progress:  &progressPercent,
	}
	if progressPercent < 0 || progressPercent > 100 {
		return s.reject(ctx, req, deductiondomain.ErrInvalidProgress)
	}
	return s.capture(ctx, req)
}

func (s *Service) reject(ctx context.Context, req captureRequest, err error) (deductiondomain.CaptureResult, error) {
	s.metrics.RecordOperation(ctx, req.operation, obsmetrics.OutcomeFromError(err))
	if errors.Is(err, deductiondomain.ErrReservationNotFound) {
		s.log.Warn("capture without an active reservation",
			zap.String("operation", req.operation),
			zap.String("company_id", req.companyID.String()),
			zap.String("job_id", req.jobID),
		)
	}
	return deductiondomain.CaptureResult{}, balancedomain.Wrap(req.operation, req.companyID, req.jobID, err)
}

func (s *Service) capture(ctx context.Context, req captureRequest) (deductiondomain.CaptureResult, error) {
	switch {
	case req.companyID == 0:
		return s.reject(ctx, req, balancedomain.ErrInvalidCompany)
	case req.jobID == "":
		return s.reject(ctx, req, deductiondomain.ErrInvalidJobID)
	}

	ctx = obscontext.WithJobID(obscontext.WithCompanyID(ctx, req.companyID.String()), req.jobID)
	ctx, span := tracing.StartSpan(ctx, "deduction."+req.operation,
		attribute.String("company_id", req.companyID.String()),
		attribute.String("job_id", req.jobID),
		attribute.String("ledger.operation", req.operation),
	)

	out, err := s.captureLocked(ctx, req)
	if err != nil && db.IsDuplicateKeyErr(err) {
		// A capture for this job committed on another instance first.
		if existing, findErr := s.repo.FindByKey(ctx, s.db, req.companyID, req.jobID); findErr == nil && existing != nil {
			out, err = replayRecord(existing), nil
		}
	}
	if err == nil && out.Idempotent {
		span.SetAttributes(attribute.Bool("ledger.idempotent", true))
	}
	tracing.EndSpan(span, err)

	if err != nil {
		return s.reject(ctx, req, err)
	}
	if out.Idempotent {
		s.metrics.RecordOperation(ctx, req.operation, obsmetrics.OutcomeIdempotent)
		obslogger.WithContext(ctx, s.log).Debug("capture replayed", zap.Int64("amount", out.Amount))
		return out, nil
	}

	s.balance.Invalidate(ctx, req.companyID)
	s.metrics.RecordOperation(ctx, req.operation, obsmetrics.OutcomeOK)
	s.metrics.RecordTokens(ctx, req.operation, out.Amount)
	fields := []zap.Field{
		zap.Int64("amount", out.Amount),
		zap.Int64("released", out.Released),
		zap.Int64("deducted_from_purchased", out.DeductedFromPurchased),
		zap.Int64("deducted_from_monthly", out.DeductedFromMonthly),
		zap.Int64("available_after", out.BalanceAfter.Available),
	}
	if req.progress != nil {
		fields = append(fields, zap.Int("progress_percent", *req.progress))
	}
	obslogger.WithContext(ctx, s.log).Info("usage captured", fields...)
	return out, nil
}

// captureLocked takes the in-flight lease for the job and settles the hold.
func (s *Service) captureLocked(ctx context.Context, req captureRequest) (deductiondomain.CaptureResult, error) {
	existing, err := s.repo.FindByKey(ctx, s.db, req.companyID, req.jobID)
	if err != nil {
		return deductiondomain.CaptureResult{}, err
	}
	if existing != nil {
		return replayRecord(existing), nil
	}

	key := captureLockPrefix + req.jobID
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.Get().CaptureLockTTL)
	if err != nil {
		return deductiondomain.CaptureResult{}, err
	}
	if !ok {
		obslogger.WithContext(ctx, s.log).Info("capture rejected, another capture is in flight")
		return deductiondomain.CaptureResult{}, deductiondomain.ErrDeductionInProgress
	}
	defer func() {
		if releaseErr := s.locker.Release(context.WithoutCancel(ctx), key, token); releaseErr != nil {
			obslogger.WithContext(ctx, s.log).Warn("failed to release capture lock", zap.Error(releaseErr))
		}
	}()

	var out deductiondomain.CaptureResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.captureTx(ctx, tx, req)
		return err
	})
	return out, err
}

func (s *Service) captureTx(ctx context.Context, tx *gorm.DB, req captureRequest) (deductiondomain.CaptureResult, error) {
	existing, err := s.repo.FindByKey(ctx, tx, req.companyID, req.jobID)
	if err != nil {
		return deductiondomain.CaptureResult{}, err
	}
	if existing != nil {
		return replayRecord(existing), nil
	}

	reservation, err := s.reservations.FindByJobIDForUpdate(ctx, tx, req.jobID, true)
	if err != nil {
		if db.IsLockNotAvailableErr(err) {
			return deductiondomain.CaptureResult{}, deductiondomain.ErrDeductionInProgress
		}
		return deductiondomain.CaptureResult{}, err
	}
	if reservation == nil || reservation.CompanyID != req.companyID {
		return deductiondomain.CaptureResult{}, deductiondomain.ErrReservationNotFound
	}
	if reservation.State.Terminal() {
		if req.cancellation() && *req.progress == 0 && reservation.State == reservationdomain.StateReleased {
			return deductiondomain.CaptureResult{Released: reservation.AmountReleased, Idempotent: true}, nil
		}
		return deductiondomain.CaptureResult{}, deductiondomain.ErrReservationNotFound
	}

	amount := req.amountFor(reservation.AmountReserved)
	if amount > reservation.AmountReserved {
		return deductiondomain.CaptureResult{}, deductiondomain.ErrCaptureExceedsReservation
	}

	sub, err := s.balance.LockTx(ctx, tx, req.companyID)
	if err != nil {
		return deductiondomain.CaptureResult{}, err
	}
	fromMonthly, fromPurchased, ok := deductiondomain.Split(amount, sub.MonthlyQuotaBalance, sub.PurchasedTokenBalance)
	if !ok {
		s.logViolation(ctx, reservation, sub, amount)
		return deductiondomain.CaptureResult{}, deductiondomain.ErrInsufficientBalance
	}

	state := req.state
	released := reservation.AmountReserved - amount
	delta := balancedomain.Delta{
		Monthly:   -fromMonthly,
		Purchased: -fromPurchased,
		Reserved:  -reservation.AmountReserved,
	}
	if amount == 0 && req.cancellation() {
		state = reservationdomain.StateReleased
		delta.Reason = balancedomain.AdjustmentReasonRelease
		delta.JobID = req.jobID
	}

	result, err := s.balance.ApplyDeltaTx(ctx, tx, req.companyID, delta)
	if err != nil {
		if errors.Is(err, balancedomain.ErrInsufficientBalance) {
			s.logViolation(ctx, reservation, sub, amount)
		}
		return deductiondomain.CaptureResult{}, err
	}

	now := s.clock.Now()
	out := deductiondomain.CaptureResult{
		BalanceBefore:         result.Before,
		BalanceAfter:          result.After,
		DeductedFromMonthly:   fromMonthly,
		DeductedFromPurchased: fromPurchased,
		Amount:                amount,
		Released:              released,
	}

	if state != reservationdomain.StateReleased {
		record := &deductiondomain.DeductionRecord{
			ID:                    s.genID.Generate(),
			CompanyID:             req.companyID,
			IdempotencyKey:        req.jobID,
			ReservationID:         reservation.ID,
			Amount:                amount,
			DeductedFromPurchased: fromPurchased,
			DeductedFromMonthly:   fromMonthly,
			AmountReleased:        released,
			MonthlyBefore:         result.Before.Monthly,
			PurchasedBefore:       result.Before.Purchased,
			ReservedBefore:        result.Before.Reserved,
			MonthlyAfter:          result.After.Monthly,
			PurchasedAfter:        result.After.Purchased,
			ReservedAfter:         result.After.Reserved,
			MonthlyQuota:          result.After.MonthlyQuota,
			CurrentPeriodEnd:      result.After.CurrentPeriodEnd,
			Reason:                req.reason,
			ProgressPercent:       req.progress,
			CreatedAt:             result.After.AsOf,
		}
		if err := s.repo.Insert(ctx, tx, record); err != nil {
			return deductiondomain.CaptureResult{}, err
		}
		out.RecordID = record.ID
	}

	settled, err := s.reservations.Settle(ctx, tx, reservation.ID, reservationdomain.Settlement{
		State:    state,
		Captured: amount,
		Released: released,
		At:       now,
	})
	if err != nil {
		return deductiondomain.CaptureResult{}, err
	}
	if !settled {
		return deductiondomain.CaptureResult{}, deductiondomain.ErrDeductionInProgress
	}
	return out, nil
}

// logViolation reports a hold that no longer fits inside the pools. Holds are
// taken against available tokens, so this means the ledger drifted.
func (s *Service) logViolation(ctx context.Context, reservation *reservationdomain.Reservation, sub balancedomain.Subscription, amount int64) {
	obslogger.WithContext(ctx, s.log).Error("ledger consistency violation: capture exceeds pools",
		zap.String("reservation_id", reservation.ID.String()),
		zap.Int64("amount", amount),
		zap.Int64("amount_reserved", reservation.AmountReserved),
		zap.Int64("monthly_quota_balance", sub.MonthlyQuotaBalance),
		zap.Int64("purchased_token_balance", sub.PurchasedTokenBalance),
		zap.Int64("reserved_tokens", sub.ReservedTokens),
	)
}

// replayRecord rebuilds the original result from the stored record. The plan
// quota and period end cannot move within a capture, so both snapshots share them.
func replayRecord(record *deductiondomain.DeductionRecord) deductiondomain.CaptureResult {
	snapshot := func(monthly, purchased, reserved int64) balancedomain.AvailableBalance {
		return balancedomain.Subscription{
			CompanyID:             record.CompanyID,
			MonthlyTokenQuota:     record.MonthlyQuota,
			MonthlyQuotaBalance:   monthly,
			PurchasedTokenBalance: purchased,
			ReservedTokens:        reserved,
			CurrentPeriodEnd:      record.CurrentPeriodEnd,
		}.Balance(record.CreatedAt)
	}
	return deductiondomain.CaptureResult{
		RecordID:              record.ID,
		BalanceBefore:         snapshot(record.MonthlyBefore, record.PurchasedBefore, record.ReservedBefore),
		BalanceAfter:          snapshot(record.MonthlyAfter, record.PurchasedAfter, record.ReservedAfter),
		DeductedFromMonthly:   record.DeductedFromMonthly,
		DeductedFromPurchased: record.DeductedFromPurchased,
		Amount:                record.Amount,
		Released:              record.AmountReleased,
		Idempotent:            true,
	}
}

func (s *Service) GetRecord(ctx context.Context, companyID snowflake.ID, jobID string) (deductiondomain.DeductionRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if companyID == 0 {
		return deductiondomain.DeductionRecord{}, balancedomain.ErrInvalidCompany
	}
	if jobID == "" {
		return deductiondomain.DeductionRecord{}, deductiondomain.ErrInvalidJobID
	}
	record, err := s.repo.FindByKey(ctx, s.db, companyID, jobID)
	if err != nil {
		return deductiondomain.DeductionRecord{}, err
	}
	if record == nil {
		return deductiondomain.DeductionRecord{}, balancedomain.Wrap("get_record", companyID, jobID, deductiondomain.ErrRecordNotFound)
	}
	return *record, nil
}

func (s *Service) ListRecords(ctx context.Context, companyID snowflake.ID, limit int) ([]deductiondomain.DeductionRecord, error) {
	if companyID == 0 {
		return nil, balancedomain.ErrInvalidCompany
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.List(ctx, s.db, companyID, limit)
}

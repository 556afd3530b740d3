package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/internal/clock"
	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/observability/tracing"
	reservationdomain "github.com/smallbiznis/tokenledger/internal/reservation/domain"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    reservationdomain.Repository
	balance balancedomain.Service
	metrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    reservationdomain.Repository
	Balance balancedomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) reservationdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("reservation.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		balance: p.Balance,
		metrics: p.Metrics,
	}
}

func (s *Service) Reserve(ctx context.Context, companyID snowflake.ID, jobID string, amount int64, opts ...reservationdomain.ReserveOption) (reservationdomain.Reservation, error) {
	jobID = strings.TrimSpace(jobID)
	if err := validateReserve(companyID, jobID, amount); err != nil {
		s.metrics.RecordOperation(ctx, obsmetrics.OperationReserve, obsmetrics.OutcomeFromError(err))
		return reservationdomain.Reservation{}, balancedomain.Wrap("reserve", companyID, jobID, err)
	}

	var options reservationdomain.ReserveOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	ctx = obscontext.WithJobID(obscontext.WithCompanyID(ctx, companyID.String()), jobID)
	ctx, span := tracing.StartSpan(ctx, "reservation.Reserve",
		attribute.String("company_id", companyID.String()),
		attribute.String("job_id", jobID),
		attribute.Int64("ledger.amount", amount),
	)

	existing, err := s.repo.FindByJobID(ctx, s.db, jobID)
	if err == nil && existing != nil {
		out, replayErr := replay(existing, companyID, amount)
		tracing.EndSpan(span, replayErr)
		return s.finishReplay(ctx, out, replayErr)
	}
	if err != nil {
		tracing.EndSpan(span, err)
		s.metrics.RecordOperation(ctx, obsmetrics.OperationReserve, obsmetrics.OutcomeFromError(err))
		return reservationdomain.Reservation{}, balancedomain.Wrap("reserve", companyID, jobID, err)
	}

	var reservation reservationdomain.Reservation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result, err := s.balance.ApplyDeltaTx(ctx, tx, companyID, balancedomain.Delta{
			Reserved: amount,
			Reason:   balancedomain.AdjustmentReasonReserve,
			JobID:    jobID,
		})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		reservation = reservationdomain.Reservation{
			ID:             s.genID.Generate(),
			JobID:          jobID,
			CompanyID:      companyID,
			SubscriptionID: result.SubscriptionID,
			AmountReserved: amount,
			State:          reservationdomain.StateActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if len(options.Metadata) > 0 {
			reservation.Metadata = datatypes.JSONMap(options.Metadata)
		}
		return s.repo.Insert(ctx, tx, &reservation)
	})
	if err != nil && db.IsDuplicateKeyErr(err) {
		// Another request for the same job committed first.
		winner, findErr := s.repo.FindByJobID(ctx, s.db, jobID)
		if findErr == nil && winner != nil {
			out, replayErr := replay(winner, companyID, amount)
			tracing.EndSpan(span, replayErr)
			return s.finishReplay(ctx, out, replayErr)
		}
	}
	tracing.EndSpan(span, err)
	if err != nil {
		s.metrics.RecordOperation(ctx, obsmetrics.OperationReserve, obsmetrics.OutcomeFromError(err))
		if errors.Is(err, balancedomain.ErrInsufficientBalance) {
			obslogger.WithContext(ctx, s.log).Info("reservation refused",
				zap.Int64("amount", amount),
				zap.Error(err),
			)
		}
		return reservationdomain.Reservation{}, balancedomain.Wrap("reserve", companyID, jobID, err)
	}

	s.balance.Invalidate(ctx, companyID)
	s.metrics.RecordOperation(ctx, obsmetrics.OperationReserve, obsmetrics.OutcomeOK)
	s.metrics.RecordTokens(ctx, obsmetrics.OperationReserve, amount)
	obslogger.WithContext(ctx, s.log).Info("tokens reserved",
		zap.String("reservation_id", reservation.ID.String()),
		zap.Int64("amount", amount),
	)
	return reservation, nil
}

func validateReserve(companyID snowflake.ID, jobID string, amount int64) error {
	switch {
	case companyID == 0:
		return balancedomain.ErrInvalidCompany
	case jobID == "":
		return reservationdomain.ErrInvalidJobID
	case amount <= 0:
		return reservationdomain.ErrInvalidAmount
	default:
		return nil
	}
}

// replay decides whether an existing hold satisfies a repeated Reserve call.
func replay(existing *reservationdomain.Reservation, companyID snowflake.ID, amount int64) (reservationdomain.Reservation, error) {
	if existing.CompanyID != companyID || existing.AmountReserved != amount || existing.State != reservationdomain.StateActive {
		return reservationdomain.Reservation{}, balancedomain.Wrap("reserve", companyID, existing.JobID, reservationdomain.ErrReservationConflict)
	}
	return *existing, nil
}

func (s *Service) finishReplay(ctx context.Context, out reservationdomain.Reservation, err error) (reservationdomain.Reservation, error) {
	if err != nil {
		s.metrics.RecordOperation(ctx, obsmetrics.OperationReserve, obsmetrics.OutcomeFromError(err))
		obslogger.WithContext(ctx, s.log).Warn("reservation conflicts with existing hold", zap.Error(err))
		return reservationdomain.Reservation{}, err
	}
	s.metrics.RecordOperation(ctx, obsmetrics.OperationReserve, obsmetrics.OutcomeIdempotent)
	return out, nil
}

func (s *Service) Release(ctx context.Context, jobID string) (reservationdomain.Reservation, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		s.metrics.RecordOperation(ctx, obsmetrics.OperationRelease, obsmetrics.OutcomeFromError(reservationdomain.ErrInvalidJobID))
		return reservationdomain.Reservation{}, balancedomain.Wrap("release", 0, jobID, reservationdomain.ErrInvalidJobID)
	}

	ctx = obscontext.WithJobID(ctx, jobID)
	ctx, span := tracing.StartSpan(ctx, "reservation.Release", attribute.String("job_id", jobID))

	var (
		reservation reservationdomain.Reservation
		noop        bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reservation, noop, err = s.releaseTx(ctx, tx, jobID)
		return err
	})
	tracing.EndSpan(span, err)
	if err != nil {
		s.metrics.RecordOperation(ctx, obsmetrics.OperationRelease, obsmetrics.OutcomeFromError(err))
		if errors.Is(err, reservationdomain.ErrReservationNotFound) {
			obslogger.WithContext(ctx, s.log).Warn("release without a reservation")
		}
		return reservationdomain.Reservation{}, balancedomain.Wrap("release", reservation.CompanyID, jobID, err)
	}

	if noop {
		s.metrics.RecordOperation(ctx, obsmetrics.OperationRelease, obsmetrics.OutcomeNoop)
		obslogger.WithContext(ctx, s.log).Debug("release skipped, reservation already settled",
			zap.String("state", string(reservation.State)),
		)
		return reservation, nil
	}

	s.balance.Invalidate(ctx, reservation.CompanyID)
	s.metrics.RecordOperation(ctx, obsmetrics.OperationRelease, obsmetrics.OutcomeOK)
	s.metrics.RecordTokens(ctx, obsmetrics.OperationRelease, reservation.AmountReleased)
	obslogger.WithContext(ctx, s.log).Info("reservation released",
		zap.String("company_id", reservation.CompanyID.String()),
		zap.Int64("amount", reservation.AmountReleased),
	)
	return reservation, nil
}

// releaseTx frees the hold inside tx and reports whether it was already
// settled. The caller must invalidate the company's cached balance after
// commit.
func (s *Service) releaseTx(ctx context.Context, tx *gorm.DB, jobID string) (reservationdomain.Reservation, bool, error) {
	current, err := s.repo.FindByJobIDForUpdate(ctx, tx, jobID, false)
	if err != nil {
		return reservationdomain.Reservation{}, false, err
	}
	if current == nil {
		return reservationdomain.Reservation{}, false, reservationdomain.ErrReservationNotFound
	}
	if current.State.Terminal() {
		return *current, true, nil
	}

	if _, err := s.balance.ApplyDeltaTx(ctx, tx, current.CompanyID, balancedomain.Delta{
		Reserved: -current.AmountReserved,
		Reason:   balancedomain.AdjustmentReasonRelease,
		JobID:    jobID,
	}); err != nil {
		return *current, false, err
	}

	now := s.clock.Now()
	ok, err := s.repo.Settle(ctx, tx, current.ID, reservationdomain.Settlement{
		State:    reservationdomain.StateReleased,
		Released: current.AmountReserved,
		At:       now,
	})
	if err != nil {
		return *current, false, err
	}
	if !ok {
		return *current, false, reservationdomain.ErrReservationConflict
	}

	released := *current
	released.State = reservationdomain.StateReleased
	released.AmountReleased = current.AmountReserved
	released.SettledAt = &now
	released.UpdatedAt = now
	return released, false, nil
}

func (s *Service) Get(ctx context.Context, jobID string) (reservationdomain.Reservation, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return reservationdomain.Reservation{}, reservationdomain.ErrInvalidJobID
	}
	reservation, err := s.repo.FindByJobID(ctx, s.db, jobID)
	if err != nil {
		return reservationdomain.Reservation{}, err
	}
	if reservation == nil {
		return reservationdomain.Reservation{}, balancedomain.Wrap("get_reservation", 0, jobID, reservationdomain.ErrReservationNotFound)
	}
	return *reservation, nil
}

func (s *Service) ListActive(ctx context.Context, companyID snowflake.ID) ([]reservationdomain.Reservation, error) {
	if companyID == 0 {
		return nil, balancedomain.ErrInvalidCompany
	}
	return s.repo.ListActive(ctx, s.db, companyID)
}

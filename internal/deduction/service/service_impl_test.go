package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	balancerepository "github.com/smallbiznis/tokenledger/internal/balance/repository"
	balanceservice "github.com/smallbiznis/tokenledger/internal/balance/service"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	deductiondomain "github.com/smallbiznis/tokenledger/internal/deduction/domain"
	"github.com/smallbiznis/tokenledger/internal/deduction/repository"
	"github.com/smallbiznis/tokenledger/internal/ledgertest"
	"github.com/smallbiznis/tokenledger/internal/lock"
	reservationdomain "github.com/smallbiznis/tokenledger/internal/reservation/domain"
	reservationrepository "github.com/smallbiznis/tokenledger/internal/reservation/repository"
	reservationservice "github.com/smallbiznis/tokenledger/internal/reservation/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type fixture struct {
	db           *gorm.DB
	node         *snowflake.Node
	locker       *lock.MemoryLocker
	balance      balancedomain.Service
	cache        *ledgertest.StaticCache
	reservations reservationdomain.Service
	svc          deductiondomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := ledgertest.NewDB(t)
	node := ledgertest.NewNode(t)
	fake := clock.NewFakeClock(ledgertest.Epoch)
	locker := lock.NewMemoryLocker()
	reservationRepo := reservationrepository.Provide()
	cache := ledgertest.NewStaticCache()

	balance := balanceservice.NewService(balanceservice.ServiceParam{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  balancerepository.Provide(),
		Cache: cache,
	})
	reservations := reservationservice.NewService(reservationservice.ServiceParam{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Repo:    reservationRepo,
		Balance: balance,
	})
	svc := NewService(ServiceParam{
		DB:           conn,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        fake,
		Repo:         repository.Provide(),
		Reservations: reservationRepo,
		Balance:      balance,
		Locker:       locker,
		Config:       config.NewStaticLedgerConfigHolder(config.LedgerConfig{CaptureLockTTL: 5 * time.Second}),
	})
	return fixture{db: conn, node: node, locker: locker, balance: balance, cache: cache, reservations: reservations, svc: svc}
}

func (f fixture) available(t *testing.T, companyID snowflake.ID) balancedomain.AvailableBalance {
	t.Helper()
	balance, err := f.balance.GetAvailable(context.Background(), companyID)
	require.NoError(t, err)
	return balance
}

func TestCaptureDrainsPurchasedBeforeMonthly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 10000, Monthly: 10000, Purchased: 5000})

	_, err := f.reservations.Reserve(ctx, 42, "job-1", 4000)
	require.NoError(t, err)
	first, err := f.svc.Capture(ctx, 42, "job-1", 3500)
	require.NoError(t, err)
	assert.Equal(t, int64(3500), first.DeductedFromPurchased)
	assert.Equal(t, int64(0), first.DeductedFromMonthly)
	assert.Equal(t, int64(500), first.Released)
	assert.Equal(t, int64(1500), first.BalanceAfter.Purchased)
	assert.Equal(t, int64(10000), first.BalanceAfter.Monthly)
	assert.Equal(t, int64(0), first.BalanceAfter.Reserved)

	_, err = f.reservations.Reserve(ctx, 42, "job-2", 7000)
	require.NoError(t, err)
	second, err := f.svc.Capture(ctx, 42, "job-2", 7000)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), second.DeductedFromPurchased)
	assert.Equal(t, int64(5500), second.DeductedFromMonthly)

	balance := f.available(t, 42)
	assert.Equal(t, int64(0), balance.Purchased)
	assert.Equal(t, int64(4500), balance.Monthly)
	assert.Equal(t, int64(4500), balance.Available)

	reservation, err := f.reservations.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StateCaptured, reservation.State)
	assert.Equal(t, int64(3500), reservation.AmountCaptured)
	assert.Equal(t, int64(500), reservation.AmountReleased)
}

func TestCaptureIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 10000, Monthly: 10000, Purchased: 5000})

	_, err := f.reservations.Reserve(ctx, 42, "job-1", 4000)
	require.NoError(t, err)
	first, err := f.svc.Capture(ctx, 42, "job-1", 3500)
	require.NoError(t, err)
	require.False(t, first.Idempotent)

	replay, err := f.svc.Capture(ctx, 42, "job-1", 3500)
	require.NoError(t, err)
	assert.True(t, replay.Idempotent)
	assert.Equal(t, first.RecordID, replay.RecordID)
	assert.Equal(t, first.DeductedFromPurchased, replay.DeductedFromPurchased)
	assert.Equal(t, first.DeductedFromMonthly, replay.DeductedFromMonthly)
	assert.Equal(t, first.Amount, replay.Amount)
	assert.Equal(t, first.Released, replay.Released)
	assert.Equal(t, first.BalanceBefore, replay.BalanceBefore)
	assert.Equal(t, first.BalanceAfter, replay.BalanceAfter)
	assert.Equal(t, int64(10000), replay.BalanceBefore.MonthlyQuota)
	require.NotNil(t, replay.BalanceAfter.CurrentPeriodEnd)

	balance := f.available(t, 42)
	assert.Equal(t, int64(1500), balance.Purchased)

	var records int64
	require.NoError(t, f.db.Model(&deductiondomain.DeductionRecord{}).Where("idempotency_key = ?", "job-1").Count(&records).Error)
	assert.Equal(t, int64(1), records)
}

func TestReleaseAfterCaptureIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 2000, Monthly: 2000})

	_, err := f.reservations.Reserve(ctx, 42, "job-1", 1000)
	require.NoError(t, err)
	_, err = f.svc.Capture(ctx, 42, "job-1", 600)
	require.NoError(t, err)

	released, err := f.reservations.Release(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StateCaptured, released.State)

	balance := f.available(t, 42)
	assert.Equal(t, int64(1400), balance.Monthly)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestCaptureOnCancellationChargesProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 10000, Monthly: 10000})

	_, err := f.reservations.Reserve(ctx, 42, "job-1", 4000)
	require.NoError(t, err)
	result, err := f.svc.CaptureOnCancellation(ctx, 42, "job-1", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.Amount)
	assert.Equal(t, int64(3000), result.Released)
	assert.Equal(t, int64(9000), result.BalanceAfter.Monthly)

	reservation, err := f.reservations.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StatePartiallyCaptured, reservation.State)
	assert.Equal(t, int64(1000), reservation.AmountCaptured)
	assert.Equal(t, int64(3000), reservation.AmountReleased)

	record, err := f.svc.GetRecord(ctx, 42, "job-1")
	require.NoError(t, err)
	assert.Equal(t, deductiondomain.ReasonCancelled, record.Reason)
	require.NotNil(t, record.ProgressPercent)
	assert.Equal(t, 25, *record.ProgressPercent)
}

func TestCaptureOnCancellationWithoutProgressReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 10000, Monthly: 10000})

	_, err := f.reservations.Reserve(ctx, 42, "job-1", 4000)
	require.NoError(t, err)
	result, err := f.svc.CaptureOnCancellation(ctx, 42, "job-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Amount)
	assert.Equal(t, int64(4000), result.Released)
	assert.Equal(t, int64(10000), result.BalanceAfter.Available)

	reservation, err := f.reservations.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StateReleased, reservation.State)

	_, err = f.svc.GetRecord(ctx, 42, "job-1")
	assert.ErrorIs(t, err, deductiondomain.ErrRecordNotFound)

	replay, err := f.svc.CaptureOnCancellation(ctx, 42, "job-1", 0)
	require.NoError(t, err)
	assert.True(t, replay.Idempotent)

	_, err = f.svc.CaptureOnCancellation(ctx, 42, "job-1", 101)
	assert.ErrorIs(t, err, deductiondomain.ErrInvalidProgress)
}

func TestEndToEndMonthlyOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 2000, Monthly: 2000})

	_, err := f.reservations.Reserve(ctx, 42, "job-a", 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.available(t, 42).Available)

	_, err = f.reservations.Reserve(ctx, 42, "job-b", 1000)
	assert.ErrorIs(t, err, reservationdomain.ErrInsufficientBalance)

	result, err := f.svc.Capture(ctx, 42, "job-a", 1200)
	require.NoError(t, err)
	assert.Equal(t, int64(800), result.BalanceAfter.Monthly)
	assert.Equal(t, int64(800), result.BalanceAfter.Available)

	_, err = f.reservations.Reserve(ctx, 42, "job-b", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(300), f.available(t, 42).Available)
}

func TestCaptureRejectsInFlightCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 2000, Monthly: 2000})
	_, err := f.reservations.Reserve(ctx, 42, "job-1", 1000)
	require.NoError(t, err)

	token, ok, err := f.locker.TryLock(ctx, captureLockPrefix+"job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Capture(ctx, 42, "job-1", 900)
	assert.ErrorIs(t, err, deductiondomain.ErrDeductionInProgress)
	assert.Equal(t, int64(1000), f.available(t, 42).Reserved)

	require.NoError(t, f.locker.Release(ctx, captureLockPrefix+"job-1", token))
	result, err := f.svc.Capture(ctx, 42, "job-1", 900)
	require.NoError(t, err)
	assert.Equal(t, int64(900), result.Amount)
}

func TestConcurrentCapturesChargeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 2000, Monthly: 2000})
	_, err := f.reservations.Reserve(ctx, 42, "job-1", 1000)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.Capture(ctx, 42, "job-1", 700)
			if err != nil {
				assert.ErrorIs(t, err, deductiondomain.ErrDeductionInProgress)
				return
			}
			if !result.Idempotent {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, charged)
	balance := f.available(t, 42)
	assert.Equal(t, int64(1300), balance.Monthly)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestCaptureRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 2000, Monthly: 2000})
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 43, Quota: 2000, Monthly: 2000})
	_, err := f.reservations.Reserve(ctx, 42, "job-1", 1000)
	require.NoError(t, err)

	_, err = f.svc.Capture(ctx, 42, "job-1", 1001)
	assert.ErrorIs(t, err, deductiondomain.ErrCaptureExceedsReservation)

	_, err = f.svc.Capture(ctx, 43, "job-1", 500)
	assert.ErrorIs(t, err, deductiondomain.ErrReservationNotFound)

	_, err = f.svc.Capture(ctx, 42, "job-unknown", 500)
	assert.ErrorIs(t, err, deductiondomain.ErrReservationNotFound)

	_, err = f.svc.Capture(ctx, 42, "job-1", -1)
	assert.ErrorIs(t, err, deductiondomain.ErrInvalidAmount)

	reservation, err := f.reservations.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StateActive, reservation.State)

	_, err = f.reservations.Release(ctx, "job-1")
	require.NoError(t, err)
	_, err = f.svc.Capture(ctx, 42, "job-1", 500)
	assert.ErrorIs(t, err, deductiondomain.ErrReservationNotFound)
}

func TestCaptureReportsDriftedPools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 2000, Monthly: 2000})
	_, err := f.reservations.Reserve(ctx, 42, "job-1", 1000)
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(`UPDATE subscriptions SET monthly_quota_balance = 100 WHERE id = ?`, sub.ID).Error)

	_, err = f.svc.Capture(ctx, 42, "job-1", 500)
	assert.ErrorIs(t, err, deductiondomain.ErrInsufficientBalance)

	reservation, err := f.reservations.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, reservationdomain.StateActive, reservation.State)
}

func TestListRecordsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 2000, Monthly: 2000})

	for _, job := range []string{"job-1", "job-2", "job-3"} {
		_, err := f.reservations.Reserve(ctx, 42, job, 100)
		require.NoError(t, err)
		_, err = f.svc.Capture(ctx, 42, job, 50)
		require.NoError(t, err)
	}

	records, err := f.svc.ListRecords(ctx, 42, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "job-3", records[0].IdempotencyKey)
	assert.Equal(t, "job-2", records[1].IdempotencyKey)

	all, err := f.svc.ListRecords(ctx, 42, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCapturesInvalidateCachedBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 10000, Monthly: 10000})

	for _, job := range []string{"job-done", "job-cancel", "job-zero"} {
		_, err := f.reservations.Reserve(ctx, 42, job, 1000)
		require.NoError(t, err)
	}
	base := f.cache.Invalidations()

	_, err := f.svc.Capture(ctx, 42, "job-done", 800)
	require.NoError(t, err)
	assert.Equal(t, base+1, f.cache.Invalidations())

	_, err = f.svc.Capture(ctx, 42, "job-done", 800)
	require.NoError(t, err)
	assert.Equal(t, base+1, f.cache.Invalidations(), "replayed capture leaves the snapshot alone")

	_, err = f.svc.CaptureOnCancellation(ctx, 42, "job-cancel", 40)
	require.NoError(t, err)
	assert.Equal(t, base+2, f.cache.Invalidations())

	_, err = f.svc.CaptureOnCancellation(ctx, 42, "job-zero", 0)
	require.NoError(t, err)
	assert.Equal(t, base+3, f.cache.Invalidations())

	_, err = f.svc.Capture(ctx, 42, "job-missing", 100)
	assert.ErrorIs(t, err, deductiondomain.ErrReservationNotFound)
	assert.Equal(t, base+3, f.cache.Invalidations())
}

func TestCaptureWithoutReservationIsLogged(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.WarnLevel)
	svc := NewService(ServiceParam{
		DB:           f.db,
		Log:          zap.New(core),
		GenID:        f.node,
		Clock:        clock.NewFakeClock(ledgertest.Epoch),
		Repo:         repository.Provide(),
		Reservations: reservationrepository.Provide(),
		Balance:      f.balance,
		Locker:       f.locker,
		Config:       config.NewStaticLedgerConfigHolder(config.LedgerConfig{CaptureLockTTL: 5 * time.Second}),
	})
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 1000, Monthly: 1000})

	_, err := svc.Capture(context.Background(), 42, "job-ghost", 100)
	require.ErrorIs(t, err, deductiondomain.ErrReservationNotFound)

	entries := logs.FilterMessage("capture without an active reservation").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "42", fields["company_id"])
	assert.Equal(t, "job-ghost", fields["job_id"])
}

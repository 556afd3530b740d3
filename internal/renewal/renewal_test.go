package renewal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	"github.com/smallbiznis/tokenledger/internal/balance/repository"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	cache   *ledgertest.StaticCache
	renewer *Renewer
}

func newFixture(t *testing.T, cfg config.LedgerConfig) fixture {
	t.Helper()
	conn := ledgertest.NewDB(t)
	node := ledgertest.NewNode(t)
	fake := clock.NewFakeClock(ledgertest.Epoch)
	cache := ledgertest.NewStaticCache()
	renewer, err := New(Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Repo:   repository.Provide(),
		Cache:  cache,
		Config: config.NewStaticLedgerConfigHolder(cfg),
	})
	require.NoError(t, err)
	return fixture{db: conn, node: node, clock: fake, cache: cache, renewer: renewer}
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 9, 0, 0, 0, time.UTC)
}

func countRenewals(t *testing.T, conn *gorm.DB, companyID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, conn.Model(&balancedomain.BalanceAdjustment{}).
		Where("company_id = ? AND reason = ?", companyID, balancedomain.AdjustmentReasonRenewal).
		Count(&count).Error)
	return count
}

func TestRenewIfDueRestoresMonthlyPoolOnce(t *testing.T) {
	f := newFixture(t, config.LedgerConfig{})
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 1000, Monthly: 300, Purchased: 50, Reserved: 100})

	renewed, err := f.renewer.RenewIfDue(ctx, 42)
	require.NoError(t, err)
	assert.False(t, renewed)

	f.clock.Set(date(2026, time.February, 16))
	renewed, err = f.renewer.RenewIfDue(ctx, 42)
	require.NoError(t, err)
	assert.True(t, renewed)
	renewedSub := ledgertest.LoadSubscription(t, f.db, 42)
	require.NotNil(t, renewedSub.LastQuotaResetAt)

	f.clock.Set(date(2026, time.February, 17))
	renewed, err = f.renewer.RenewIfDue(ctx, 42)
	require.NoError(t, err)
	assert.False(t, renewed)

	sub := ledgertest.LoadSubscription(t, f.db, 42)
	require.NotNil(t, sub.LastQuotaResetAt)
	assert.True(t, sub.LastQuotaResetAt.Equal(*renewedSub.LastQuotaResetAt), "second run must not move last_quota_reset_at")
	assert.Equal(t, int64(1000), sub.MonthlyQuotaBalance)
	assert.Equal(t, int64(50), sub.PurchasedTokenBalance)
	assert.Equal(t, int64(100), sub.ReservedTokens)
	require.NotNil(t, sub.CurrentPeriodStart)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodStart.Equal(date(2026, time.February, 15)))
	assert.True(t, sub.CurrentPeriodEnd.Equal(date(2026, time.March, 15)))
	assert.Equal(t, int64(1), countRenewals(t, f.db, 42))
	assert.Equal(t, 1, f.cache.Invalidations())
}

func TestRenewIfDueRacingTriggersRenewOnce(t *testing.T) {
	f := newFixture(t, config.LedgerConfig{})
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 1000, Monthly: 0})
	f.clock.Set(date(2026, time.February, 20))

	var (
		wg      sync.WaitGroup
		renewed atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.renewer.RenewIfDue(context.Background(), 42)
			assert.NoError(t, err)
			if ok {
				renewed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), renewed.Load())
	assert.Equal(t, int64(1), countRenewals(t, f.db, 42))
	assert.Equal(t, int64(1000), ledgertest.LoadSubscription(t, f.db, 42).MonthlyQuotaBalance)
}

func TestRenewIfDueCatchesUpInOneWrite(t *testing.T) {
	f := newFixture(t, config.LedgerConfig{})
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 1000, Monthly: 10})
	f.clock.Set(date(2026, time.June, 20))

	renewed, err := f.renewer.RenewIfDue(ctx, 42)
	require.NoError(t, err)
	assert.True(t, renewed)

	sub := ledgertest.LoadSubscription(t, f.db, 42)
	assert.True(t, sub.CurrentPeriodStart.Equal(date(2026, time.June, 15)))
	assert.True(t, sub.CurrentPeriodEnd.Equal(date(2026, time.July, 15)))
	assert.Equal(t, int64(1), countRenewals(t, f.db, 42))
}

func TestRenewIfDueBoundedCatchUpContinues(t *testing.T) {
	f := newFixture(t, config.LedgerConfig{MaxCatchUpPeriods: 2})
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 1000, Monthly: 10})
	f.clock.Set(date(2026, time.June, 20))

	calls := 0
	for {
		renewed, err := f.renewer.RenewIfDue(ctx, 42)
		require.NoError(t, err)
		if !renewed {
			break
		}
		calls++
		require.Less(t, calls, 10)
	}

	assert.Equal(t, 3, calls)
	sub := ledgertest.LoadSubscription(t, f.db, 42)
	assert.True(t, sub.CurrentPeriodEnd.Equal(date(2026, time.July, 15)))
}

func TestRenewIfDueKeepsMonthEndAnchor(t *testing.T) {
	f := newFixture(t, config.LedgerConfig{})
	ctx := context.Background()
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{
		CompanyID:   42,
		Quota:       1000,
		Monthly:     0,
		PeriodStart: date(2026, time.January, 31),
	})

	f.clock.Set(date(2026, time.March, 1))
	renewed, err := f.renewer.RenewIfDue(ctx, 42)
	require.NoError(t, err)
	require.True(t, renewed)

	sub := ledgertest.LoadSubscription(t, f.db, 42)
	assert.True(t, sub.CurrentPeriodStart.Equal(date(2026, time.February, 28)))
	assert.True(t, sub.CurrentPeriodEnd.Equal(date(2026, time.March, 31)))
}

func TestRenewIfDueSkipsFreePlans(t *testing.T) {
	f := newFixture(t, config.LedgerConfig{})
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: 42, Quota: 0, Purchased: 100})
	f.clock.Set(date(2027, time.January, 1))

	renewed, err := f.renewer.RenewIfDue(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, renewed)

	_, err = f.renewer.RenewIfDue(context.Background(), 99)
	assert.ErrorIs(t, err, balancedomain.ErrSubscriptionNotFound)
}

func TestRunOnceSweepsDueSubscriptionsInBatches(t *testing.T) {
	f := newFixture(t, config.LedgerConfig{SweepBatchSize: 2, SweepJobTimeout: 10 * time.Second})
	ctx := context.Background()
	for _, companyID := range []snowflake.ID{1, 2, 3} {
		ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{CompanyID: companyID, Quota: 500, Monthly: 0})
	}
	ledgertest.SeedSubscription(t, f.db, f.node, ledgertest.SubscriptionSeed{
		CompanyID:   4,
		Quota:       500,
		Monthly:     0,
		PeriodStart: date(2026, time.February, 10),
	})
	f.clock.Set(date(2026, time.February, 16))

	require.NoError(t, f.renewer.RunOnce(ctx))

	for _, companyID := range []snowflake.ID{1, 2, 3} {
		assert.Equal(t, int64(500), ledgertest.LoadSubscription(t, f.db, companyID).MonthlyQuotaBalance)
		assert.Equal(t, int64(1), countRenewals(t, f.db, companyID))
	}
	assert.Equal(t, int64(0), ledgertest.LoadSubscription(t, f.db, 4).MonthlyQuotaBalance)
	assert.Equal(t, 3, f.cache.Invalidations())

	require.NoError(t, f.renewer.SweepJob(ctx))
	assert.Equal(t, 3, f.cache.Invalidations())
}

func TestNextPeriod(t *testing.T) {
	start, next, caughtUp := nextPeriod(date(2026, time.January, 15), 15, date(2026, time.January, 15), 24)
	assert.True(t, caughtUp)
	assert.True(t, start.Equal(date(2026, time.January, 15)))
	assert.True(t, next.Equal(date(2026, time.February, 15)))

	start, next, caughtUp = nextPeriod(date(2026, time.January, 15), 15, date(2026, time.April, 1), 1)
	assert.False(t, caughtUp)
	assert.True(t, start.Equal(date(2026, time.January, 15)))
	assert.True(t, next.Equal(date(2026, time.February, 15)))
}

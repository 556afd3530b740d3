// Package ledgertest wires an in-memory ledger database for package tests.
package ledgertest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	deductiondomain "github.com/smallbiznis/tokenledger/internal/deduction/domain"
	reservationdomain "github.com/smallbiznis/tokenledger/internal/reservation/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Epoch is the default fake-clock start used across ledger tests.
var Epoch = time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC)

// NewDB opens a per-test shared-cache SQLite database with the ledger schema.
// A single connection keeps transactions serialized the way row locks would.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(
		&balancedomain.Subscription{},
		&balancedomain.BalanceAdjustment{},
		&reservationdomain.Reservation{},
		&deductiondomain.DeductionRecord{},
	))
	return conn
}

func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// SubscriptionSeed describes a subscription inserted directly, bypassing the
// service so tests can start from any pool state.
type SubscriptionSeed struct {
	CompanyID   snowflake.ID
	Quota       int64
	Monthly     int64
	Purchased   int64
	Reserved    int64
	PeriodStart time.Time
	PeriodEnd   time.Time
}

func SeedSubscription(t *testing.T, conn *gorm.DB, node *snowflake.Node, seed SubscriptionSeed) balancedomain.Subscription {
	t.Helper()

	start := seed.PeriodStart
	if start.IsZero() {
		start = Epoch
	}
	end := seed.PeriodEnd
	if end.IsZero() {
		end = balancedomain.AddMonths(start, 1, start.Day())
	}

	sub := balancedomain.Subscription{
		ID:                    node.Generate(),
		CompanyID:             seed.CompanyID,
		PlanID:                "pro",
		BillingCycle:          balancedomain.BillingCycleMonthly,
		MonthlyTokenQuota:     seed.Quota,
		MonthlyQuotaBalance:   seed.Monthly,
		PurchasedTokenBalance: seed.Purchased,
		ReservedTokens:        seed.Reserved,
		BillingAnchorDay:      int16(start.Day()),
		Status:                balancedomain.SubscriptionStatusActive,
		CreatedAt:             start,
		UpdatedAt:             start,
	}
	if seed.Quota > 0 {
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.LastQuotaResetAt = &start
	}
	require.NoError(t, conn.Create(&sub).Error)
	return sub
}

// LoadSubscription reads the active row straight from the table.
func LoadSubscription(t *testing.T, conn *gorm.DB, companyID snowflake.ID) balancedomain.Subscription {
	t.Helper()
	var sub balancedomain.Subscription
	require.NoError(t, conn.Where("company_id = ? AND status = ?", companyID, balancedomain.SubscriptionStatusActive).First(&sub).Error)
	return sub
}

// ExpirePeriod moves the current period end to end so renewal becomes due.
func ExpirePeriod(ctx context.Context, conn *gorm.DB, subscriptionID snowflake.ID, end time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET current_period_end = ? WHERE id = ?`,
		end.UTC(),
		subscriptionID,
	).Error
}

// StaticCache is an in-process balance cache without expiry.
type StaticCache struct {
	mu          sync.Mutex
	entries     map[snowflake.ID]balancedomain.AvailableBalance
	invalidated int
}

func NewStaticCache() *StaticCache {
	return &StaticCache{entries: make(map[snowflake.ID]balancedomain.AvailableBalance)}
}

func (c *StaticCache) Get(_ context.Context, companyID snowflake.ID) (balancedomain.AvailableBalance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	balance, ok := c.entries[companyID]
	return balance, ok
}

func (c *StaticCache) Set(_ context.Context, balance balancedomain.AvailableBalance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[balance.CompanyID] = balance
}

func (c *StaticCache) Invalidate(_ context.Context, companyID snowflake.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, companyID)
	c.invalidated++
}

// Invalidations counts Invalidate calls.
func (c *StaticCache) Invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	deductiondomain "github.com/smallbiznis/tokenledger/internal/deduction/domain"
	reservationdomain "github.com/smallbiznis/tokenledger/internal/reservation/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded Postgres schema. Constraints that GORM
// tags cannot express (partial unique index on active subscriptions, CHECKs
// on pools) only exist on this path.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Models lists every ledger table for AutoMigrate on non-Postgres dialects.
func Models() []any {
	return []any{
		&balancedomain.Subscription{},
		&balancedomain.BalanceAdjustment{},
		&reservationdomain.Reservation{},
		&deductiondomain.DeductionRecord{},
	}
}

// AutoMigrate creates the ledger tables from the GORM models.
func AutoMigrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

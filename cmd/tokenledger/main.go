package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/balance"
	"github.com/smallbiznis/tokenledger/internal/cache"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/deduction"
	"github.com/smallbiznis/tokenledger/internal/kv"
	"github.com/smallbiznis/tokenledger/internal/lock"
	"github.com/smallbiznis/tokenledger/internal/migration"
	"github.com/smallbiznis/tokenledger/internal/observability"
	"github.com/smallbiznis/tokenledger/internal/renewal"
	"github.com/smallbiznis/tokenledger/internal/reservation"
	"github.com/smallbiznis/tokenledger/internal/server"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		kv.Module,
		migration.Module,

		// Ledger
		cache.Module,
		lock.Module,
		balance.Module,
		reservation.Module,
		deduction.Module,
		renewal.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

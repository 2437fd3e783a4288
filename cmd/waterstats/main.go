package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waterstats/internal/clock"
	"github.com/smallbiznis/waterstats/internal/config"
	"github.com/smallbiznis/waterstats/internal/meter"
	"github.com/smallbiznis/waterstats/internal/migration"
	"github.com/smallbiznis/waterstats/internal/observability"
	"github.com/smallbiznis/waterstats/internal/ratelimit"
	"github.com/smallbiznis/waterstats/internal/reconcile"
	"github.com/smallbiznis/waterstats/internal/scheduler"
	"github.com/smallbiznis/waterstats/internal/server"
	"github.com/smallbiznis/waterstats/internal/statistics"
	"github.com/smallbiznis/waterstats/internal/usage"
	"github.com/smallbiznis/waterstats/pkg/db"
	"go.uber.org/fx"
)

// Monolith: the update cycle and the HTTP surface in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional Domains
		statistics.Module,
		usage.Module,
		meter.Module,
		reconcile.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

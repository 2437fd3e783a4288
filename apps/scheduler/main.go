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
	"github.com/smallbiznis/waterstats/internal/statistics"
	"github.com/smallbiznis/waterstats/internal/usage"
	"github.com/smallbiznis/waterstats/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Domain services required by scheduler
		statistics.Module,
		usage.Module,
		meter.Module,
		reconcile.Module,

		// No server module!
		scheduler.Module,
		fx.Decorate(forceScheduler),
	)
	app.Run()
}

func forceScheduler(cfg config.Config) config.Config {
	cfg.SchedulerEnabled = true
	return cfg
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

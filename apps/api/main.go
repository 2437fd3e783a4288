package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waterstats/internal/clock"
	"github.com/smallbiznis/waterstats/internal/config"
	"github.com/smallbiznis/waterstats/internal/meter"
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

// HTTP-only replica. Manual passes still run here; the Redis pass lock keeps
// them apart from the scheduler replica.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Core dependencies for API
		ratelimit.Module,
		statistics.Module,
		meter.Module,
		usage.Module,
		reconcile.Module,
		scheduler.Module,
		fx.Decorate(disableSchedulerLoop),

		server.Module,
	)
	app.Run()
}

func disableSchedulerLoop(cfg config.Config) config.Config {
	cfg.SchedulerEnabled = false
	return cfg
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}

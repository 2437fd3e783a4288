package scheduler

import (
	"context"

	"github.com/smallbiznis/waterstats/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

// StartScheduler runs the update cycle for the lifetime of the app unless
// the process is configured as an HTTP-only replica.
func StartScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.SchedulerEnabled {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}

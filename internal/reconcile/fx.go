package reconcile

import (
	"github.com/smallbiznis/waterstats/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.engine",
	fx.Provide(service.New),
)

package meter

import (
	"github.com/smallbiznis/waterstats/internal/cache"
	"github.com/smallbiznis/waterstats/internal/meter/repository"
	"github.com/smallbiznis/waterstats/internal/meter/service"
	"go.uber.org/fx"
)

var Module = fx.Module("meter.service",
	fx.Provide(repository.Provide),
	fx.Provide(cache.NewMeterCache),
	fx.Provide(service.New),
)

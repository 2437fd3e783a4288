package statistics

import (
	"github.com/smallbiznis/waterstats/internal/statistics/repository"
	"github.com/smallbiznis/waterstats/internal/statistics/service"
	"go.uber.org/fx"
)

var Module = fx.Module("statistics.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)

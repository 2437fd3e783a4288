package usage

import (
	"github.com/smallbiznis/waterstats/internal/usage/client"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"github.com/smallbiznis/waterstats/internal/usage/liveevents"
	"github.com/smallbiznis/waterstats/internal/usage/service"
	"github.com/smallbiznis/waterstats/internal/usage/snapshot"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(
		fx.Annotate(client.New, fx.As(new(usagedomain.Source))),
	),
	fx.Provide(service.NewService),
	fx.Provide(liveevents.NewHub),
	snapshot.Module,
)

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/waterstats/internal/config"
	meterdomain "github.com/smallbiznis/waterstats/internal/meter/domain"
	"github.com/smallbiznis/waterstats/internal/observability"
	obsmiddleware "github.com/smallbiznis/waterstats/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/waterstats/internal/observability/metrics"
	obstracing "github.com/smallbiznis/waterstats/internal/observability/tracing"
	"github.com/smallbiznis/waterstats/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/waterstats/internal/reconcile/domain"
	"github.com/smallbiznis/waterstats/internal/scheduler"
	statisticsdomain "github.com/smallbiznis/waterstats/internal/statistics/domain"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"github.com/smallbiznis/waterstats/internal/usage/liveevents"
	"github.com/smallbiznis/waterstats/internal/usage/snapshot"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware("/health", "/metrics"))
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// passRunner triggers immediate passes. *scheduler.Scheduler satisfies it.
type passRunner interface {
	RunMeter(ctx context.Context, meterID string) (reconciledomain.PassResult, error)
	InFlight(meterID string) bool
}

// hourlyLimiter throttles on-demand queries. *ratelimit.QueryLimiter
// satisfies it.
type hourlyLimiter interface {
	Enabled() bool
	Allow(ctx context.Context, meterID string) (*ratelimit.RateLimitResult, error)
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	meterSvc     meterdomain.Service
	usageSvc     usagedomain.Service
	statsSvc     statisticsdomain.Service
	snapshots    *snapshot.Store
	passes       passRunner
	liveEvents   *liveevents.Hub
	queryLimiter hourlyLimiter
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	MeterSvc     meterdomain.Service
	UsageSvc     usagedomain.Service
	StatsSvc     statisticsdomain.Service
	Snapshots    *snapshot.Store
	Scheduler    *scheduler.Scheduler    `optional:"true"`
	LiveEvents   *liveevents.Hub         `optional:"true"`
	QueryLimiter *ratelimit.QueryLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		meterSvc:   p.MeterSvc,
		usageSvc:   p.UsageSvc,
		statsSvc:   p.StatsSvc,
		snapshots:  p.Snapshots,
		liveEvents: p.LiveEvents,
		obsMetrics: p.ObsMetrics,
	}
	if p.Scheduler != nil {
		svc.passes = p.Scheduler
	}
	if p.QueryLimiter.Enabled() {
		svc.queryLimiter = p.QueryLimiter
	}
	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Meters --------
	api.GET("/meters", s.ListMeters)
	api.POST("/meters/refresh", s.RefreshMeters)
	api.GET("/meters/:id", s.GetMeterByID)
	api.PATCH("/meters/:id", s.UpdateMeter)
	api.POST("/meters/:id/reconcile", s.ReconcileMeter)
	api.GET("/meters/:id/events", s.StreamMeterPassEvents)

	// -------- Usage --------
	api.GET("/meters/:id/hourly-usage", s.HourlyQueryRateLimit(), s.GetHourlyUsage)

	// -------- Statistics --------
	api.GET("/statistics", s.ListStatistics)
	api.GET("/meters/:id/statistics", s.GetMeterStatistics)
}

package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/waterstats/internal/config"
	obslogger "github.com/smallbiznis/waterstats/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(New),
)

// New opens the statistics database with tracing and pool metrics attached.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(obslogger.DefaultGormLoggerConfig()),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := Instrument(conn, cfg); err != nil {
		return nil, err
	}

	poolCfg := ConfigFrom(cfg)
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if poolCfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(poolCfg.MaxIdleConn)
	}
	if poolCfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(poolCfg.MaxOpenConn)
	}
	if poolCfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(poolCfg.ConnMaxLifetime)
	}
	if poolCfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(poolCfg.ConnMaxIdleTime)
	}

	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return sqlDB.PingContext(ctx)
			},
			OnStop: func(ctx context.Context) error {
				log.Info("closing database")
				return sqlDB.Close()
			},
		})
	}

	log.Info("database opened", zap.String("type", strings.ToLower(cfg.DBType)))
	return conn, nil
}

// Instrument attaches OpenTelemetry spans and Prometheus pool statistics.
func Instrument(conn *gorm.DB, cfg config.Config) error {
	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(cfg.DBName))); err != nil {
		return fmt.Errorf("register otelgorm: %w", err)
	}
	if err := conn.Use(prometheus.New(prometheus.Config{
		DBName:          cfg.DBName,
		RefreshInterval: 15,
		StartServer:     false,
	})); err != nil {
		return fmt.Errorf("register gorm prometheus: %w", err)
	}
	return nil
}

package migration

import (
	"strings"

	"github.com/smallbiznis/waterstats/internal/config"
	"github.com/smallbiznis/waterstats/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)

func Run(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	log = log.Named("migration")
	if strings.EqualFold(strings.TrimSpace(cfg.DBType), db.TypePostgres) {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("migration.applied", zap.String("mode", "golang-migrate"))
		return nil
	}

	if err := AutoMigrate(conn); err != nil {
		return err
	}
	log.Info("migration.applied", zap.String("mode", "automigrate"), zap.String("type", cfg.DBType))
	return nil
}

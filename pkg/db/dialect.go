package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/waterstats/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case TypeMySQL:
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		)), nil
	case TypePostgres:
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case TypeSQLite:
		name := strings.TrimSpace(cfg.DBName)
		if name == "" {
			name = "waterstats"
		}
		if !strings.HasSuffix(name, ".db") && name != ":memory:" {
			name += ".db"
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	meterdomain "github.com/smallbiznis/waterstats/internal/meter/domain"
	statisticsdomain "github.com/smallbiznis/waterstats/internal/statistics/domain"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate creates the tables through gorm for dialects the embedded SQL
// does not target.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(&statisticsdomain.Meta{}, &statisticsdomain.Statistic{}); err != nil {
		return fmt.Errorf("auto migrate statistics: %w", err)
	}
	if err := conn.AutoMigrate(&meterdomain.Meter{}); err != nil {
		return fmt.Errorf("auto migrate meters: %w", err)
	}
	return nil
}

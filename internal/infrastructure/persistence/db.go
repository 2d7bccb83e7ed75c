package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shesha-run/shesha/internal/infrastructure/config"
	"github.com/shesha-run/shesha/internal/infrastructure/persistence/models"
)

// NewDBConnection opens the document store's backing database and runs its
// migrations, branching on cfg.Type the same way NGOClaw's own connection
// setup does.
func NewDBConnection(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	return open(cfg, logger.Default.LogMode(logger.Warn))
}

// NewDBConnectionSilent opens the same connection with SQL logging
// disabled, for CLI invocations that shouldn't spam stdout per query.
func NewDBConnectionSilent(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	return open(cfg, logger.Default.LogMode(logger.Silent))
}

func open(cfg *config.DatabaseConfig, gormLogger logger.Interface) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&models.DocumentModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Package database opens the relational store and brings its schema up to date.
package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/reputation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Models lists every table the service owns.
func Models() []any {
	models := []any{&users.User{}}
	models = append(models, content.Models()...)
	models = append(models, reputation.Models()...)
	models = append(models, moderation.Models()...)
	return append(models, &migrationRecord{})
}

// Open connects with the named driver and performs schema migrations. target is a file path for
// sqlite and a DSN for postgres.
func Open(driver, target string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("database: %s target is required", driver)
	}

	driver = strings.ToLower(strings.TrimSpace(driver))
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(target)
	case DriverPostgres:
		dialector = postgres.Open(target)
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))

	return db, nil
}

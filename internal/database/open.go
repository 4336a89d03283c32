// Package database opens GORM connections from postgres:// and sqlite:// URLs.
package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver labels reported by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// InMemorySQLiteURL is used when no database URL is configured.
const InMemorySQLiteURL = "sqlite://file::memory:?cache=shared"

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database.empty_url")
	errSQLiteEmptyPath     = errors.New("database.sqlite.empty_path")
	errUnsupportedNoScheme = errors.New("database.unsupported_no_scheme")
)

// Open resolves the dialector for databaseURL, connects, and runs AutoMigrate for models.
func Open(ctx context.Context, databaseURL string, models ...any) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("database.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := ResolveDialector(databaseURL)
	if err != nil {
		return nil, "", err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("database.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == DriverSQLite {
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, "", fmt.Errorf("database.open.%s: %w", driverLabel, sqlErr)
		}
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY under concurrent upserts.
		sqlDB.SetMaxOpenConns(1)
	}
	if len(models) > 0 {
		if migrateErr := gormDB.WithContext(ctx).AutoMigrate(models...); migrateErr != nil {
			return nil, "", fmt.Errorf("database.migrate.%s: %w", driverLabel, migrateErr)
		}
	}
	return gormDB, driverLabel, nil
}

// Migrate runs AutoMigrate for models on an already open connection.
func Migrate(ctx context.Context, gormDB *gorm.DB, models ...any) error {
	if err := gormDB.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("database.migrate: %w", err)
	}
	return nil
}

// ResolveDialector maps a database URL onto a GORM dialector and a driver label.
// sqlite URLs carry the driver DSN verbatim after the scheme, e.g.
// sqlite://file:name?mode=memory&cache=shared or sqlite:///var/lib/tradehub.db.
func ResolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	scheme, rest, found := strings.Cut(strings.TrimSpace(databaseURL), "://")
	if !found || scheme == "" {
		return nil, "", fmt.Errorf("database.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		if _, err := url.Parse(databaseURL); err != nil {
			return nil, "", fmt.Errorf("database.parse_url: %w", err)
		}
		return postgres.Open(databaseURL), DriverPostgres, nil
	case "sqlite", "sqlite3":
		if rest == "" {
			return nil, "", fmt.Errorf("database.sqlite: %w", errSQLiteEmptyPath)
		}
		return sqliteDialector.Open(rest), DriverSQLite, nil
	default:
		return nil, "", fmt.Errorf("database.dialect.%s: %w", strings.ToLower(scheme), ErrUnsupportedDialect)
	}
}

// IsPostgresURL reports whether databaseURL selects the postgres driver.
func IsPostgresURL(databaseURL string) bool {
	scheme, _, found := strings.Cut(strings.TrimSpace(databaseURL), "://")
	if !found {
		return false
	}
	scheme = strings.ToLower(scheme)
	return scheme == "postgres" || scheme == "postgresql"
}

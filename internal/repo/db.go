// Package repo implements the data persistence layer for the generation
// cache, backed by GORM. This file contains database bootstrapping helpers
// for SQLite (pure Go driver) and Postgres, plus schema migration.
package repo

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	postgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-image-backend/internal/config"
	"github.com/tbourn/go-image-backend/internal/domain"
)

// Open opens the store selected by cfg. SQLite is the default for local and
// test runs; Postgres is intended for deployments where payloads and
// concurrent writers outgrow a single file.
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	if cfg.Driver == "postgres" {
		return OpenPostgres(cfg.URL)
	}
	return OpenSQLite(cfg.Path)
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := instrument(db); err != nil {
		return nil, err
	}
	configurePool(db)
	return db, nil
}

// OpenPostgres opens a Postgres database from a DSN.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := instrument(db); err != nil {
		return nil, err
	}
	configurePool(db)
	return db, nil
}

// instrument attaches the GORM tracing plugin so cache reads and writes show
// up as spans under the HTTP traces. Query variables are excluded: prompts
// are user content and payloads are binary.
func instrument(db *gorm.DB) error {
	return db.Use(tracing.NewPlugin(
		tracing.WithoutMetrics(),
		tracing.WithoutQueryVariables(),
	))
}

func configurePool(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
}

// AutoMigrate creates or updates the image_generations schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.Generation{})
}

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rongwang/shipprep-server/internal/migrations"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// OpenDatabase connects with the configured driver and applies pool settings
// without touching the schema
func OpenDatabase(cfg *Config) (*sqlx.DB, error) {
	if cfg.Database.Driver == "sqlite3" {
		if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	if cfg.Database.Driver == "sqlite3" {
		// one writer at a time; a second connection would only wait on the file lock
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}

	return db, nil
}

// Schema returns the migration chain for the configured storage layout
func (c *Config) Schema() migrations.Schema {
	if c.Storage.Layout == LayoutWide {
		return migrations.WideSchema()
	}
	return migrations.SplitSchema()
}

// SetupDatabase initializes the database connection and brings the schema up
// to date
func SetupDatabase(ctx context.Context, cfg *Config, logger *utils.Logger) (*sqlx.DB, error) {
	db, err := OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}

	m, err := migrations.NewManager(db, cfg.Schema(), logger, migrations.Options{
		AllowDestructiveReset: cfg.Migration.AllowDestructiveReset,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	res, err := m.Run(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if logger != nil {
		logger.Info("schema ready",
			"layout", cfg.Storage.Layout,
			"from", res.FromVersion,
			"to", res.ToVersion,
			"applied", len(res.Applied),
			"skipped", len(res.Skipped),
			"reset", res.Reset,
		)
	}

	return db, nil
}

// Package database opens the trafficclaw SQLite database, keeps its schema
// current, and implements the business storage collaborator on top of it.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

// Config holds SQLite configuration.
type Config struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/trafficclaw.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// DB wraps the SQLite connection.
type DB struct {
	SQL    *sql.DB
	Config Config
}

// Open opens or creates the database and applies pending migrations.
func Open(cfg Config) (*DB, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if cfg.Path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{SQL: db, Config: cfg}
	if err := d.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.SQL.Close()
}

// Version returns the applied schema version.
func (d *DB) Version(ctx context.Context) (int, error) {
	var version int
	err := d.SQL.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies every migration newer than the recorded version, each in
// its own transaction.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.SQL.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := d.Version(ctx)
	if err != nil {
		return err
	}

	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := d.SQL.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

// Health returns connection statistics for the health endpoint.
func (d *DB) Health(ctx context.Context) map[string]any {
	stats := d.SQL.Stats()
	status := map[string]any{
		"healthy":    true,
		"open_conns": stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
	}
	if err := d.SQL.PingContext(ctx); err != nil {
		status["healthy"] = false
		status["error"] = err.Error()
		return status
	}
	var version string
	if err := d.SQL.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err == nil {
		status["sqlite_version"] = version
	}
	if v, err := d.Version(ctx); err == nil {
		status["schema_version"] = v
	}
	return status
}

// IsConstraintError reports whether err is a SQLite constraint violation
// (unique, foreign key, check).
func IsConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

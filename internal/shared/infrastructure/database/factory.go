package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Config selects and parameterizes the backend.
type Config struct {
	// Driver overrides detection when set. Empty or "auto" detects from URL.
	Driver Driver

	// URL is the PostgreSQL connection string.
	URL string

	// SQLitePath is the database file for SQLite mode.
	// Defaults to ~/.tminus/tminus.db.
	SQLitePath string

	// MaxConns caps the pool size (PostgreSQL only).
	MaxConns int
}

// NewConnection opens a connection for the configured backend.
func NewConnection(ctx context.Context, cfg Config) (Connection, error) {
	driver := cfg.Driver
	if driver == "" || driver == "auto" {
		driver = DetectDriver(cfg.URL)
	}

	switch driver {
	case DriverPostgres:
		return newPostgresConnection(ctx, cfg)
	case DriverSQLite:
		return newSQLiteConnection(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// DefaultSQLitePath returns the default SQLite database file.
func DefaultSQLitePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".tminus", "tminus.db")
}

// DefaultLocalConfig is the zero-config local setup.
func DefaultLocalConfig() Config {
	return Config{
		Driver:     DriverSQLite,
		SQLitePath: DefaultSQLitePath(),
	}
}

// EnsureDirectory creates the parent directory of path if missing.
func EnsureDirectory(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0755)
}

// The concrete drivers register themselves from their own packages so this
// package stays free of driver imports.
var newPostgresConnection func(ctx context.Context, cfg Config) (Connection, error)

var newSQLiteConnection func(ctx context.Context, cfg Config) (Connection, error)

// RegisterPostgresDriver installs the PostgreSQL connection factory.
func RegisterPostgresDriver(fn func(ctx context.Context, cfg Config) (Connection, error)) {
	newPostgresConnection = fn
}

// RegisterSQLiteDriver installs the SQLite connection factory.
func RegisterSQLiteDriver(fn func(ctx context.Context, cfg Config) (Connection, error)) {
	newSQLiteConnection = fn
}

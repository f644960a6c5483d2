// Package database provides SQLite database access and migration management.
package database

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	// SQLite driver for database/sql
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a sql.DB connection with additional functionality.
type DB struct {
	*sql.DB
}

// connection settings applied by the driver to every pooled connection
const dsnParams = "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"

// New creates a new database connection and ensures the parent directory exists.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "create database directory %s", dir)
	}

	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	return &DB{db}, nil
}

// NewMemory opens a private in-memory database with the schema applied.
// The pool is pinned to one connection because every new sqlite connection
// to ":memory:" would otherwise see an empty database.
func NewMemory() (*DB, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open memory database")
	}
	db.SetMaxOpenConns(1)

	d := &DB{db}
	if err := d.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Migrate runs all database migrations.
func (db *DB) Migrate() error {
	return runMigrations(db.DB)
}

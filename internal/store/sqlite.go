// Package store keeps chat history, the upload log and, with the sqlite
// driver, session chunks in one SQLite file. Every row is keyed by session id
// and removed when its session ends.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"go.nhat.io/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	_ "modernc.org/sqlite"

	"github.com/soyeahso/docchat/internal/logging"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var (
	registerOnce sync.Once
	driverName   string
	registerErr  error
)

func tracedDriver() (string, error) {
	registerOnce.Do(func() {
		driverName, registerErr = otelsql.Register(
			"sqlite",
			otelsql.TraceQueryWithoutArgs(),
			otelsql.TraceRowsAffected(),
			otelsql.WithSystem(semconv.DBSystemSqlite),
		)
	})
	return driverName, registerErr
}

// DB is the SQLite handle shared by the stores in this package.
type DB struct {
	sql  *sql.DB
	log  *logging.Logger
	path string
}

// dsn sets the pragmas on every connection the pool opens.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path != MemoryPath {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens or creates the database at path and brings its schema up to
// date. Pass MemoryPath for a throwaway database.
func Open(path string, log *logging.Logger) (*DB, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	driver, err := tracedDriver()
	if err != nil {
		return nil, fmt.Errorf("registering traced driver: %w", err)
	}
	conn, err := sql.Open(driver, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// a second connection to ":memory:" would see an empty database
	conn.SetMaxOpenConns(1)

	db := &DB{sql: conn, log: log.Sub("store"), path: path}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	db.log.Info().Str("path", path).Int("schema", len(migrations)).Msg("database opened")
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	db.log.Debug().Str("path", db.path).Msg("closing database")
	return db.sql.Close()
}

// SQL returns the underlying pool.
func (db *DB) SQL() *sql.DB {
	return db.sql
}

// schemaVersion reads the number of applied migrations from user_version.
func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := db.sql.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// migrate applies the migrations past the recorded schema version, each in
// its own transaction together with the version bump.
func (db *DB) migrate(ctx context.Context) error {
	current, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema %d is newer than this build (%d)", current, len(migrations))
	}

	for i, m := range migrations[current:] {
		version := current + i + 1
		db.log.Info().Int("version", version).Str("name", m.Name).Msg("applying migration")

		tx, err := db.sql.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", version, m.Name, err)
		}
		// pragmas take no bind parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
	}
	return nil
}

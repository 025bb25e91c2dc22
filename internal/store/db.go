// Package store provides the durable persistence layer for the trading
// runtime: a SQLite-backed key/value and row store behind the Store
// interface the core consumes (see store.go).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Profile selects the PRAGMA set applied to a database file, trading
// durability for throughput depending on what the table holds.
type Profile string

const (
	// ProfileLedger maximizes durability for the execution ledger and trade
	// history: fsync on every commit, never auto-vacuum.
	ProfileLedger Profile = "ledger"
	// ProfileCache maximizes throughput for ephemeral tick history.
	ProfileCache Profile = "cache"
	// ProfileStandard balances the two for session/risk/kill-switch state.
	ProfileStandard Profile = "standard"
)

// Config configures a DB connection.
type Config struct {
	Path    string
	Profile Profile
	Name    string
}

// DB wraps *sql.DB with WAL mode, profile PRAGMAs, and a schema migration.
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
	name    string
}

// New opens (creating if necessary) a SQLite database with the requested
// profile and verifies connectivity.
func New(cfg Config) (*DB, error) {
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", buildConnectionString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Name, err)
	}
	configureConnectionPool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}, nil
}

func buildConnectionString(path string, profile Profile) string {
	connStr := path + "?_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileLedger:
		connStr += "&_pragma=synchronous(FULL)"
		connStr += "&_pragma=auto_vacuum(NONE)"
	case ProfileCache:
		connStr += "&_pragma=synchronous(OFF)"
		connStr += "&_pragma=auto_vacuum(FULL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	case ProfileStandard:
		connStr += "&_pragma=synchronous(NORMAL)"
		connStr += "&_pragma=auto_vacuum(INCREMENTAL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	}

	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)"
	return connStr
}

func configureConnectionPool(conn *sql.DB, profile Profile) {
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	if profile == ProfileCache {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(2)
	}
}

func (db *DB) Close() error        { return db.conn.Close() }
func (db *DB) Conn() *sql.DB       { return db.conn }
func (db *DB) Name() string        { return db.name }
func (db *DB) Profile() Profile    { return db.profile }
func (db *DB) Path() string        { return db.path }

// findSchemaDir locates the schemas directory relative to this source file,
// so migrations work regardless of the process's working directory.
func findSchemaDir() (string, error) {
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("resolve caller information")
	}
	absFile, err := filepath.Abs(currentFile)
	if err != nil {
		return "", err
	}
	schemasDir := filepath.Join(filepath.Dir(absFile), "schemas")
	info, err := os.Stat(schemasDir)
	if err != nil {
		return "", fmt.Errorf("schemas directory not found at %s: %w", schemasDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("schemas path is not a directory: %s", schemasDir)
	}
	return schemasDir, nil
}

// Migrate applies schemas/001_init.sql within a transaction. It is
// idempotent: "already exists" / "duplicate column" failures are treated as
// an already-applied schema rather than an error.
func (db *DB) Migrate() error {
	schemasDir, err := findSchemaDir()
	if err != nil {
		return nil // best-effort: tables may already exist (e.g. in tests)
	}

	content, err := os.ReadFile(filepath.Join(schemasDir, "001_init.sql"))
	if err != nil {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		_ = tx.Rollback()
		msg := err.Error()
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column") {
			return nil
		}
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic (panics are converted to errors, not
// re-raised, so a single failing write cannot take down a caller's
// goroutine).
func WithTransaction(conn *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
			}
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// HealthCheck verifies the connection is reachable within a short deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.conn.PingContext(ctx)
}

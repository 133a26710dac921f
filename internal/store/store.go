// Package store persists runs, steps, collaboration results and reflection
// cache entries in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Database handles SQLite operations
type Database struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the database at dbPath and migrates its schema.
// ":memory:" opens a private in-memory database.
func Open(dbPath string) (*Database, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	database := &Database{db: db, dbPath: dbPath}
	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return database, nil
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.dbPath
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// migrate ensures the database schema is up to date
func (d *Database) migrate() error {
	// Keys, foreign keys and indexes are easier to define in SQL; plain
	// columns added later are picked up from the row structs.
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		final_answer TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		action TEXT NOT NULL,
		observation TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, number),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS reflections (
		signature TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		reflection TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collaborations (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create initial schema: %w", err)
	}

	tables := []struct {
		name  string
		model interface{}
	}{
		{"runs", &runRow{}},
		{"steps", &stepRow{}},
		{"reflections", &reflectionRow{}},
		{"collaborations", &collabRow{}},
	}
	for _, t := range tables {
		if err := d.autoMigrateTable(t.name, t.model); err != nil {
			return fmt.Errorf("failed to auto-migrate %s: %w", t.name, err)
		}
	}
	return nil
}

// autoMigrateTable adds missing columns to a table based on struct tags
func (d *Database) autoMigrateTable(tableName string, model interface{}) error {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	existingColumns := make(map[string]bool)
	rows, err := d.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			cid       int
			name      string
			dtype     string
			notnull   int
			dfltValue interface{}
			pk        int
		)
		if err := rows.Scan(&cid, &name, &dtype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		existingColumns[strings.ToLower(name)] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		dbTag := field.Tag.Get("db")
		if dbTag == "" || dbTag == "-" {
			continue
		}
		columnName := strings.Split(dbTag, ",")[0]
		if existingColumns[strings.ToLower(columnName)] {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", tableName, columnName, sqliteType(field.Type))
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to add column %s: %w", columnName, err)
		}
	}
	return nil
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	nullTimeType = reflect.TypeOf(sql.NullTime{})
)

// sqliteType returns the column type for a Go type
func sqliteType(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == timeType || t == nullTimeType {
		return "DATETIME"
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8:
		return "INTEGER NOT NULL DEFAULT 0"
	case reflect.Bool:
		return "BOOLEAN NOT NULL DEFAULT FALSE"
	case reflect.Float64, reflect.Float32:
		return "REAL NOT NULL DEFAULT 0"
	default:
		return "TEXT"
	}
}

func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

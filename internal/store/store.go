// Package store provides the persisted SQLite mirror of the school directory.
//
// The mirror holds staff, class units, students and parents keyed by the
// upstream person_id, plus the class_staff and parent_student join tables.
// The database runs embedded with WAL mode; schema creation is idempotent
// and happens once before any sync logic runs.
//
// Units of work: a sync page commits as one transaction (RunPage), and each
// record inside it executes under a SAVEPOINT (Page.RunRecord) so a failing
// record rolls back only itself — earlier records of the page survive the
// page commit.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// DBTX is the subset of database/sql used by row-level operations. Both
// *sql.DB and *sql.Tx satisfy it, so the same queries run standalone or
// inside a unit of work.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the SQLite connection for the local mirror.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a connection to the mirror database at the given path,
// creating parent directories as needed. The caller must Close it.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The engine is single-threaded; one connection avoids lock contention
	// between the page transaction and standalone queries.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Querier returns the store's connection for row-level operations that run
// outside a unit of work.
func (s *Store) Querier() DBTX {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates all tables and indexes if they do not exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS staff (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		person_id INTEGER NOT NULL UNIQUE,
		user_id INTEGER,
		external_id TEXT,
		external_link TEXT,
		name TEXT,
		last_name TEXT,
		first_name TEXT,
		middle_name TEXT,
		email TEXT,
		phone TEXT CHECK (length(phone) = 11 OR phone IS NULL),
		type TEXT,
		updated_at_api TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		deactivated_at TEXT,
		last_seen_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS class_units (
		id INTEGER PRIMARY KEY,
		school_id INTEGER,
		class_level_id INTEGER,
		name TEXT NOT NULL,
		parallel TEXT,
		literal TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS students (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		person_id INTEGER NOT NULL UNIQUE,
		user_name TEXT,
		external_id TEXT,
		external_link TEXT,
		last_name TEXT NOT NULL,
		first_name TEXT NOT NULL,
		middle_name TEXT,
		email TEXT,
		phone TEXT CHECK (length(phone) = 11 OR phone IS NULL),
		class_unit_id INTEGER REFERENCES class_units(id) ON DELETE SET NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		deactivated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS parents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		person_id INTEGER NOT NULL UNIQUE,
		external_id TEXT,
		external_link TEXT,
		name TEXT,
		last_name TEXT,
		first_name TEXT,
		middle_name TEXT,
		email TEXT,
		phone TEXT CHECK (length(phone) = 11 OR phone IS NULL),
		is_active INTEGER NOT NULL DEFAULT 1,
		deactivated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS class_staff (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		class_unit_id INTEGER NOT NULL REFERENCES class_units(id) ON DELETE CASCADE,
		staff_id INTEGER NOT NULL REFERENCES staff(id) ON DELETE CASCADE,
		is_leader INTEGER NOT NULL DEFAULT 0,
		subject TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (class_unit_id, staff_id)
	);

	CREATE TABLE IF NOT EXISTS parent_student (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_id INTEGER NOT NULL REFERENCES parents(id) ON DELETE CASCADE,
		student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL,
		UNIQUE (parent_id, student_id)
	);

	CREATE INDEX IF NOT EXISTS idx_staff_user_id ON staff(user_id);
	CREATE INDEX IF NOT EXISTS idx_staff_is_active ON staff(is_active);
	CREATE INDEX IF NOT EXISTS idx_staff_active_type ON staff(is_active, type);
	CREATE INDEX IF NOT EXISTS idx_staff_external_id ON staff(external_id);

	CREATE INDEX IF NOT EXISTS idx_class_units_name ON class_units(name);
	CREATE INDEX IF NOT EXISTS idx_class_units_parallel ON class_units(parallel);

	CREATE INDEX IF NOT EXISTS idx_students_class ON students(class_unit_id);
	CREATE INDEX IF NOT EXISTS idx_students_is_active ON students(is_active);
	CREATE INDEX IF NOT EXISTS idx_students_active_class ON students(is_active, class_unit_id);
	CREATE INDEX IF NOT EXISTS idx_students_name ON students(last_name, first_name);

	CREATE INDEX IF NOT EXISTS idx_parents_is_active ON parents(is_active);
	CREATE INDEX IF NOT EXISTS idx_parents_name ON parents(last_name, first_name);

	CREATE INDEX IF NOT EXISTS idx_class_staff_class ON class_staff(class_unit_id);
	CREATE INDEX IF NOT EXISTS idx_class_staff_staff ON class_staff(staff_id);
	CREATE INDEX IF NOT EXISTS idx_parent_student_parent ON parent_student(parent_id);
	CREATE INDEX IF NOT EXISTS idx_parent_student_student ON parent_student(student_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Page is a single open unit of work covering one fetched page.
type Page struct {
	tx  *sql.Tx
	seq int
}

// Querier returns the page's transaction for cross-record operations that
// should commit with the page (deactivation sweeps, link rebuilds).
func (p *Page) Querier() DBTX {
	return p.tx
}

// RunPage executes fn inside a single transaction. The transaction commits
// when fn returns nil and rolls back otherwise, so an interrupted run never
// leaves a torn page behind.
func (s *Store) RunPage(ctx context.Context, fn func(p *Page) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Page{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page: %w", err)
	}
	return nil
}

// RunRecord executes fn under a SAVEPOINT. When fn fails, only that record's
// writes are rolled back; everything staged earlier in the page is kept. The
// error is returned for counting — the caller continues with the next record.
func (p *Page) RunRecord(ctx context.Context, fn func(q DBTX) error) error {
	p.seq++
	name := fmt.Sprintf("record_%d", p.seq)

	if _, err := p.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}

	if err := fn(p.tx); err != nil {
		if _, rbErr := p.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back record (%v): %w", err, rbErr)
		}
		if _, relErr := p.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return fmt.Errorf("failed to release savepoint (%v): %w", err, relErr)
		}
		return err
	}

	if _, err := p.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// timeToNullString converts an optional time to a nullable RFC 3339 string.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable RFC 3339 string to an optional time.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// stringToNull maps "" to NULL so empty normalized values never overwrite
// populated columns through COALESCE-style updates.
func stringToNull(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullToString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func int64ToNull(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullToInt64(ns sql.NullInt64) int64 {
	if !ns.Valid {
		return 0
	}
	return ns.Int64
}

// formatTime renders a required timestamp column.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

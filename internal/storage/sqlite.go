package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connection pragmas, applied by the driver to every new connection.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
}

// Store wraps a SQLite database holding captures, their results and files.
// Each logical actor (request handlers, the capture loop, the change watcher)
// opens its own Store so writers never share a connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) drinks.db in dataDir and applies pending
// migrations. ":memory:" opens a private in-memory database.
func Open(dataDir string) (*Store, error) {
	file := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, unavailable("creating data directory", err)
		}
		file = filepath.Join(dataDir, "drinks.db")
	}

	db, err := sql.Open("sqlite", dsn(file))
	if err != nil {
		return nil, unavailable("opening database", err)
	}
	// One connection per Store: SQLite has a single writer anyway, and an
	// in-memory database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("opening database", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(file string) string {
	q := url.Values{"_pragma": pragmas}
	return "file:" + file + "?" + q.Encode()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies, in version order, every embedded migration not yet
// recorded in schema_version. Each runs in its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	applied, err := s.AppliedMigrations()
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(applied)
	if err != nil {
		return err
	}

	for _, m := range pending {
		body, err := migrationsFS.ReadFile(m.file)
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if err := s.apply(m.version, string(body)); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, path.Base(m.file), err)
		}
	}
	return nil
}

type migration struct {
	version int
	file    string
}

// pendingMigrations lists embedded migrations whose version is not in
// applied, lowest version first. Two files with one version are an error.
func pendingMigrations(applied []int) ([]migration, error) {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	seen := make(map[int]string, len(files))
	var pending []migration
	for _, f := range files {
		var v int
		if _, err := fmt.Sscanf(path.Base(f), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration file %s has no version prefix", f)
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, f, v)
		}
		seen[v] = f
		if !slices.Contains(applied, v) {
			pending = append(pending, migration{version: v, file: f})
		}
	}
	slices.SortFunc(pending, func(a, b migration) int { return a.version - b.version })
	return pending, nil
}

func (s *Store) apply(version int, body string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(body); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		version, toMillis(s.now())); err != nil {
		return err
	}
	return tx.Commit()
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_version ORDER BY version`)
	if err != nil {
		return nil, unavailable("listing migrations", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

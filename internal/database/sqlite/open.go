// Package sqlite implements database.Store on an embedded SQLite file. All writes go
// through a single-writer Worker, which serialises attendance mutations per process.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DefaultPath is used when the database URL is empty.
const DefaultPath = "./data/face-attendance.db"

// Store implements database.Store on top of SQLite.
type Store struct {
	db     *sql.DB
	worker *Worker
}

var _ database.Store = (*Store)(nil)

// Open creates the file if needed, applies migrations and starts the write worker.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	path := DefaultPath
	if cfg != nil && cfg.URL != "" {
		path = strings.TrimPrefix(cfg.URL, "file:")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// One connection: readers and the writer share it, so SQLITE_BUSY cannot happen.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if _, err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, worker: NewWorker(db)}, nil
}

// DB exposes the underlying handle (migrate command, tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close drains the worker and closes the database.
func (s *Store) Close() error {
	s.worker.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// storageError classifies a driver error the same way the PostgreSQL store does.
func storageError(err error, op string) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) && isUniqueViolation(sqlErr) {
		return apperr.Wrap(apperr.ErrDuplicate, err, duplicateMessage(sqlErr.Error()))
	}
	return apperr.Storage(err, op)
}

// isUniqueViolation accepts both the extended and the primary result code.
func isUniqueViolation(e *sqlite.Error) bool {
	code := e.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(e.Error(), "UNIQUE")
}

// duplicateMessage names the column from "UNIQUE constraint failed: identities.email".
func duplicateMessage(msg string) string {
	switch {
	case strings.Contains(msg, "identities.email"):
		return "email is already enrolled"
	case strings.Contains(msg, "identities.external_id"):
		return "external id is already enrolled"
	default:
		return "identity already enrolled"
	}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

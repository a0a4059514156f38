package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeout is how long a connection waits on a lock before
	// surfacing "database is locked".
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns bounds the read-only pool. WAL snapshots let these
	// run alongside the single writer; the admin API is the only consumer,
	// so a small pool suffices.
	sqliteReaderConns = 4
)

// sqliteDSN renders the connection string for the workflow database. The
// writer creates the file and owns journal_mode/synchronous; readers attach
// in read-only mode and inherit both.
func sqliteDSN(path, mode string) string {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond))
	if mode == "rwc" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

// openSQLiteWriter opens the single-connection write side, creating the
// database file and its directory when missing.
func openSQLiteWriter(path string) (*sql.DB, error) {
	path = absSQLitePath(path)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare workflow database directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow database file: %w", err)
	}
	_ = file.Close()

	conn, err := sql.Open("sqlite3", sqliteDSN(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// openSQLiteReader opens the read-only side of the pool.
func openSQLiteReader(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(path), "ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow database reader: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// absSQLitePath resolves the configured path so the writer and reader DSNs
// agree on the same file regardless of working directory.
func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

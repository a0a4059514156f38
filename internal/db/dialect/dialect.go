// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import "fmt"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// JSONExtract returns the SQL fragment to extract a JSON value.
//
//	SQLite:   json_extract(col, '$.path')
//	Postgres: col::jsonb->>'path'
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, path)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}

// TextPK returns the column definition for a TEXT primary key.
//
//	SQLite:   TEXT PRIMARY KEY
//	Postgres: TEXT PRIMARY KEY (identical, kept for symmetry with other helpers)
func TextPK(driver string) string {
	_ = driver
	return "TEXT PRIMARY KEY"
}

// AutoIncrementPK returns the column definition for an auto-incrementing
// integer primary key.
//
//	SQLite:   INTEGER PRIMARY KEY AUTOINCREMENT
//	Postgres: BIGSERIAL PRIMARY KEY
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

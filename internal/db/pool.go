// Package db opens the relational backends for the workflow store: SQLite
// for single-host deployments, Postgres when the orchestrator shares state.
package db

import "github.com/jmoiron/sqlx"

// Pool holds the write and read connections backing the workflow store.
//
// SQLite runs in WAL mode with exactly one write connection, so workflow
// saves and completion appends serialize without SQLITE_BUSY while status
// reads proceed concurrently on the reader. Postgres pools internally, so
// both roles share one *sqlx.DB there.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the connection for workflow and mapping mutations.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection for status and completion queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close releases both connections; shared ones are closed once.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && err == nil {
			err = rErr
		}
	}
	return err
}

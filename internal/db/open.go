package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nexusflow/nexus/internal/common/config"
	"github.com/nexusflow/nexus/internal/db/dialect"
)

// Open builds the store's Pool from the storage configuration. SQLite gets a
// single-connection writer plus a read-only reader pool; Postgres serves both
// roles from one shared pool.
func Open(cfg config.StorageConfig) (*Pool, error) {
	switch cfg.Driver {
	case config.StorageDriverSQLite:
		writer, err := openSQLiteWriter(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{
			writer: sqlx.NewDb(writer, dialect.SQLite3),
			reader: sqlx.NewDb(reader, dialect.SQLite3),
		}, nil

	case config.StorageDriverPostgres:
		conn, err := openPostgres(cfg)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, dialect.PGX)
		return &Pool{writer: shared, reader: shared}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

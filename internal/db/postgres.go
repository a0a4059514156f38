package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nexusflow/nexus/internal/common/config"
)

// openPostgres connects via the pgx stdlib driver, sized from the storage
// configuration (storage.maxConns / storage.minConns).
func openPostgres(cfg config.StorageConfig) (*sql.DB, error) {
	conn, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 25
	}
	minConns := cfg.MinConns
	if minConns <= 0 {
		minConns = 5
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach workflow database: %w", err)
	}
	return conn, nil
}

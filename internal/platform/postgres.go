package platform

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// NewPostgresPool opens a standard pre-pinged connection pool sized per
// the persistence layer's pool configuration (default 5, overflow 10).
func NewPostgresPool(ctx context.Context, databaseURL string, poolSize, maxOverflow int) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	db.SetMaxOpenConns(poolSize + maxOverflow)
	db.SetMaxIdleConns(poolSize)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pre-pinging postgres pool: %w", err)
	}

	return db, nil
}

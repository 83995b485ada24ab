package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

// sqlitePragmas are applied to every new connection in the pool. WAL
// journaling lets readers proceed while a writer holds the transaction,
// NORMAL synchronous trades a sliver of durability for throughput (safe
// under WAL), the 64 MiB cache and in-memory temp store keep the desk
// unit fleet's read-heavy presence queries off disk, and the busy
// timeout absorbs the brief lock contention a single-connection pool
// otherwise turns into SQLITE_BUSY errors.
const sqlitePragmas = "?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-65536&_temp_store=MEMORY&_busy_timeout=60000"

// NewSQLitePool opens an embedded-file database. The pool degenerates to
// a single static connection: SQLite serializes writers regardless, and
// a single *sql.DB connection avoids cross-connection pragma drift.
func NewSQLitePool(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	path := strings.TrimPrefix(databaseURL, "sqlite:")
	dsn := path + sqlitePragmas

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite pool: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite pool: %w", err)
	}

	return db, nil
}

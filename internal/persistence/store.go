// Package persistence implements the Persistence Layer (§4.1): a
// scoped-session primitive over either a networked Postgres pool or a
// single-connection embedded SQLite pool, returning plain value
// snapshots to callers. No accessor here ever returns a live row handle
// that outlives the session that produced it.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/Rjrtgarcia/consultease/internal/errs"
)

// Ext is the subset of *sqlx.DB / *sqlx.Tx that query helpers need.
// Accepting it lets the same query functions run either inside
// WithSession's transaction or, for read-only accessors that don't need
// transactional isolation, directly against the pool.
type Ext interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store is the Persistence Layer. It owns the connection pool and knows
// which SQL dialect (Postgres or SQLite) it is speaking, since the two
// diverge on placeholder syntax and a handful of DDL/DML details.
//
// db is held behind an atomic.Pointer rather than a plain field so the
// health monitor's restart sequence (§4.1) can swap in a freshly dialed
// pool out from under in-flight callers without a broader lock: every
// query helper calls conn() once per statement and uses whatever pool
// was current at that instant.
type Store struct {
	db     atomic.Pointer[sqlx.DB]
	sqlite bool

	// writeMu serializes sessions against the single-connection SQLite
	// pool. It is a no-op (never locked) for Postgres, which has its own
	// real connection pool and needs no additional serialization here.
	writeMu sync.Mutex
}

// New wraps an already-opened pool. sqlite indicates the embedded-file
// backend, which changes placeholder rebinding and session
// serialization.
func New(db *sqlx.DB, sqlite bool) *Store {
	s := &Store{sqlite: sqlite}
	s.db.Store(db)
	return s
}

// conn returns the currently active pool.
func (s *Store) conn() *sqlx.DB { return s.db.Load() }

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.conn().Close()
}

// DB exposes the currently active pool.
func (s *Store) DB() *sqlx.DB { return s.conn() }

// swapDB atomically replaces the live pool. Used only by the health
// monitor's restart sequence, which owns the old pool's disposal.
func (s *Store) swapDB(db *sqlx.DB) { s.db.Store(db) }

// rebind adapts a `?`-style query to the driver's native placeholder
// syntax (`$1`, `$2`, ... for Postgres; `?` is already native for
// SQLite).
func (s *Store) rebind(query string) string {
	return s.conn().Rebind(query)
}

// WithSession guarantees acquisition of a live session, execution of fn
// under a single transaction, commit on normal return, rollback on any
// failure, and release on every exit path — the contract of §4.1.
func (s *Store) WithSession(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	if s.sqlite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	tx, err := s.conn().BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps driver-level errors to the typed error kinds callers
// branch on. Transient I/O errors become *errs.Transient so callers may
// retry; everything else passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57014", "08000", "08003", "08006":
			// serialization_failure, deadlock_detected, query_canceled,
			// connection_exception and friends.
			return errs.NewTransient("postgres transient error", err)
		}
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return errs.NewTransient("sqlite busy/locked", err)
		}
		return err
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return errs.NewTransient("connection unavailable", err)
	}

	return err
}

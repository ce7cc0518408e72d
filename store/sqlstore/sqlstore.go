/*
Package sqlstore provides a database/sql implementation of ledger.Store.

PURPOSE:
  Persists the ledger in SQLite (development, single node) or PostgreSQL
  (shared, concurrent writers). Both dialects use the same schema and the
  same queries; only placeholders and row locking differ.

DIALECTS:
  sqlite3:  github.com/mattn/go-sqlite3. Opened with foreign keys on and
            BEGIN IMMEDIATE transactions, so a writer holds the database
            write lock from the start of WithTx. Row locks are no-ops.
            One open connection, so ":memory:" is a single database.
  postgres: github.com/lib/pq. Placeholders are rebound to $n. Before the
            constraint engine recomputes a sum, the rows involved are
            locked with SELECT ... FOR UPDATE, allocations first, then
            charges, each in ID order.

APPEND-MOSTLY:
  The only UPDATE statements are DeactivateHold and the job upsert. There
  are no DELETE statements. Amount rules are NOT duplicated as CHECK
  constraints; the constraint engine is the single guard.

KEY TABLES:
  projects, resources, users: Reference entities (id, name)
  jobs:                       Scheduler job records, attributes as JSON
  allocations:                Grants, with start_time/end_time window
  holds:                      Reservations, active flag
  charges:                    Consumption
  refunds:                    Reversals of charges

TIMESTAMPS:
  Stored as TEXT in UTC with a fixed-width layout, so lexical order is
  chronological in both dialects.

USAGE:
  store, err := sqlstore.New("sqlite3", "./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  session := ledger.NewSession(store, resolver)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/allocation-ledger/ledger"
)

// =============================================================================
// DIALECT
// =============================================================================

// Dialect selects placeholder style and locking behaviour.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch Dialect(driver) {
	case SQLite:
		return SQLite, nil
	case Postgres:
		return Postgres, nil
	case "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("sqlstore: unsupported driver %q", driver)
}

// rebind rewrites ? placeholders to $1, $2, ... for Postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// STORE
// =============================================================================

// Store implements ledger.Store over database/sql.
type Store struct {
	reader
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New opens and migrates a store. driver is "sqlite3" or "postgres".
// For SQLite, use ":memory:" for an in-memory database.
func New(driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}

	store := Open(db, dialect)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Open wraps an already opened database. It does not migrate.
func Open(db *sql.DB, dialect Dialect) *Store {
	return &Store{reader: reader{q: db, d: dialect}, db: db}
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_txlock=immediate"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx, d: s.d}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so TEXT ordering is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

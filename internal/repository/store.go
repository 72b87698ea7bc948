// Package repository is the transactional persistence layer for configs,
// cycles and orders. It runs on Postgres in production (row locks via
// SELECT ... FOR UPDATE) and on SQLite for development and tests, where a
// transaction serializes writers instead.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"dca_engine/internal/core"
)

// Dialect selects SQL flavor specifics
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Store wraps the database handle
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  core.ILogger
}

// Open connects using driver "sqlite3" or "pgx" and applies the schema
func Open(ctx context.Context, driver, dsn string, logger core.ILogger) (*Store, error) {
	var dialect Dialect
	switch driver {
	case "sqlite3":
		dialect = DialectSQLite
	case "pgx":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dialect == DialectSQLite {
		// Single writer; avoids SQLITE_BUSY under the supervisors
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragmas: %w", err)
		}
	}

	s := &Store{db: db, dialect: dialect, logger: logger.WithField("component", "repository")}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying handle
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity, used by the health monitor
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is one repository transaction. All event handlers run inside exactly
// one Tx; on error everything rolls back and the next delivery retries.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// WithTx runs fn inside a transaction, committing on nil error
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rebind converts ?-placeholders to the dialect's format
func (t *Tx) rebind(query string) string {
	return rebind(t.dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect == DialectSQLite {
		return query
	}
	var b strings.Builder
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

// forUpdate appends the row-lock clause where the dialect supports it.
// SQLite transactions already serialize writers.
func forUpdate(dialect Dialect, query string) string {
	if dialect == DialectPostgres {
		return query + " FOR UPDATE"
	}
	return query
}

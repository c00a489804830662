// Package sqlstore implements storage.Store on database/sql.
//
// Three drivers are supported:
//   - sqlite: local single-file store via github.com/mattn/go-sqlite3
//   - mysql:  any MySQL-protocol server (MySQL, MariaDB, dolt sql-server)
//     via github.com/go-sql-driver/mysql
//   - dolt:   embedded, versioned store via github.com/dolthub/driver
//
// All drivers share one schema: a staging table per side and one
// "<kind>_mappings" table per entity kind.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/steveyegge/trackbridge/internal/storage"
)

// Supported driver names.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverDolt   = "dolt"
)

// Config selects and locates the backing database.
type Config struct {
	Driver string
	DSN    string
	// Database is created and selected after connecting (dolt only). For
	// mysql, put the database in the DSN.
	Database string
}

// Store is the SQL mapping store.
type Store struct {
	db     *sql.DB
	driver string
	// closer releases driver resources beyond the pool (embedded dolt
	// connector filesystem locks).
	closer io.Closer
}

var _ storage.Store = (*Store)(nil)

// Open connects, applies the schema and returns a ready store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{driver: cfg.Driver}

	switch cfg.Driver {
	case DriverSQLite, "sqlite3", "":
		s.driver = DriverSQLite
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "trackbridge.db"
		}
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
		}
		// SQLite is single-writer, and ":memory:" databases are private to
		// one connection.
		db.SetMaxOpenConns(1)
		s.db = db
	case DriverMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("mysql driver requires database.dsn")
		}
		mc, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		// UpdateMapping relies on RowsAffected counting matched rows.
		mc.ClientFoundRows = true
		db, err := sql.Open("mysql", mc.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db
	case DriverDolt:
		db, closer, err := openEmbeddedDolt(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.closer = closer
	default:
		return nil, fmt.Errorf("unknown database driver %q (want %s, %s or %s)", cfg.Driver, DriverSQLite, DriverMySQL, DriverDolt)
	}

	if err := s.withRetry(ctx, func() error { return s.db.PingContext(ctx) }); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect %s: %w", s.driver, err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Driver returns the normalized driver name.
func (s *Store) Driver() string { return s.driver }

// DB exposes the underlying pool for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the pool and any driver resources.
func (s *Store) Close() error {
	var firstErr error
	if s.db != nil {
		firstErr = s.db.Close()
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// isRetryableError reports whether err is a transient connection or lock
// error worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
		"database is locked", // sqlite busy writer
		"database is read only",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// withRetry executes op, retrying transient errors with exponential backoff.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newRetryBackoff(), ctx))
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...) //nolint:rowserrcheck // caller closes and checks
		return queryErr
	})
	return rows, err
}

// runInTransaction executes fn inside a transaction, committing on success.
// Beginning the transaction is retried on transient errors; fn is not.
func (s *Store) runInTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var tx *sql.Tx
	if err := s.withRetry(ctx, func() error {
		var beginErr error
		tx, beginErr = s.db.BeginTx(ctx, nil)
		return beginErr
	}); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "Duplicate entry") || // mysql, dolt
		strings.Contains(msg, "duplicate unique key")
}

package journal

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/riskguard/fault"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	DefaultTimeout = 5 * time.Second
)

type Store struct {
	db      *sqlx.DB
	driver  string
	timeout time.Duration
}

// Open connects to driver at dsn and creates the schema if needed.
func Open(driverName, dsn string, timeout time.Duration) (*Store, error) {
	switch driverName {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fault.Configf("journal: unknown driver %q", driverName)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if driverName == DriverSQLite {
		// One writer avoids SQLITE_BUSY between our own goroutines.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driverName, timeout: timeout}
	ctx, cancel := s.ctx(context.Background())
	defer cancel()
	if _, err := db.ExecContext(ctx, schemaFor(driverName)); err != nil {
		db.Close()
		return nil, s.classify("create schema", err)
	}
	return s, nil
}

// NewSQLite opens (or creates) a SQLite journal at path.
func NewSQLite(path string) (*Store, error) {
	return Open(DriverSQLite, path, DefaultTimeout)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Driver() string { return s.driver }

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// q rewrites ? placeholders for the driver.
func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// classify wraps err, marking the ones worth retrying as transient.
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if transient(err) {
		return fault.Transient("journal "+op, err)
	}
	return fmt.Errorf("journal %s: %w", op, err)
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		code := string(pe.Code)
		return strings.HasPrefix(code, "08") || code == "40001" || code == "40P01" || code == "57P01"
	}
	return false
}

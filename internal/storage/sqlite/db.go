// Package sqlite implements the storage interfaces using SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	_ storage.LedgerStore = (*Store)(nil)
	_ storage.UsageStore  = (*Store)(nil)
)

// Store implements storage.LedgerStore and storage.UsageStore using SQLite.
type Store struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

// New opens a SQLite database, runs migrations, and returns a Store.
func New(dsn string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	// For :memory: databases, use shared cache so read/write pools share the same data
	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open write db: %w", ledger.ErrStoreInit, err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("%w: open read db: %w", ledger.ErrStoreInit, err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	s := &Store{write: write, read: read}
	if err := s.EnsureSchema(context.Background()); err != nil {
		write.Close()
		read.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps already-open handles without running migrations.
// The same handle may be passed for both pools.
func NewFromDB(write, read *sql.DB) *Store {
	return &Store{write: write, read: read}
}

// EnsureSchema applies embedded migrations. Already-applied migrations are skipped.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := runMigrations(ctx, s.write); err != nil {
		return fmt.Errorf("%w: migrations: %w", ledger.ErrStoreInit, err)
	}
	return nil
}

// runMigrations applies embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(ctx)
	return err
}

// Ping verifies database connectivity by pinging the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *Store) Close() error {
	if s.write == s.read {
		return s.write.Close()
	}
	return errors.Join(s.write.Close(), s.read.Close())
}

func opErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ledger.ErrStoreOperation, op, err)
}

// Package store persists pending clinic actions, their sync queue, and the
// API response cache in an embedded SQLite file that survives restarts.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/wolfman30/clinic-offline-sync/internal/offline"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
	"golang.org/x/sync/singleflight"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DefaultCacheTTL applies when CacheAPIData is called without a TTL.
const DefaultCacheTTL = 30 * time.Minute

// Store is the durable offline store. The database handle is opened lazily on
// first use and shared by every caller; concurrent first callers wait on the
// same open.
type Store struct {
	path   string
	now    func() time.Time
	logger *logging.Logger
	opener func(ctx context.Context) (*sql.DB, error)

	mu      sync.Mutex
	db      *sql.DB
	closed  bool
	opening singleflight.Group
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for best-effort cleanup failures.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a store backed by the SQLite file at path. Nothing is opened
// until the first operation or an explicit Open.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		now:    time.Now,
		logger: logging.Default(),
	}
	s.opener = s.openSQLite
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newWithDB(db *sql.DB, opts ...Option) *Store {
	if db == nil {
		panic("store: db required")
	}
	s := New("", opts...)
	s.opener = func(context.Context) (*sql.DB, error) { return db, nil }
	return s
}

// Open forces the lazy open and schema migration.
func (s *Store) Open(ctx context.Context) error {
	_, err := s.handle(ctx)
	return err
}

// Close releases the database handle. Later calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &offline.StorageError{Op: "open", Err: offline.ErrClosed}
	}
	if s.db != nil {
		db := s.db
		s.mu.Unlock()
		return db, nil
	}
	s.mu.Unlock()

	v, err, _ := s.opening.Do("open", func() (any, error) {
		s.mu.Lock()
		if s.db != nil {
			db := s.db
			s.mu.Unlock()
			return db, nil
		}
		s.mu.Unlock()

		db, err := s.opener(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = db.Close()
			return nil, offline.ErrClosed
		}
		s.db = db
		return db, nil
	})
	if err != nil {
		return nil, &offline.StorageError{Op: "open", Err: err}
	}
	return v.(*sql.DB), nil
}

func (s *Store) openSQLite(ctx context.Context) (*sql.DB, error) {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data directory: %w", err)
		}
	}
	if err := migrateSchema(s.path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(s.path))
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return db, nil
}

func migrateSchema(path string) error {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("store: migration driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("store: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("store: create migrator: %w", err)
	}
	// Closing the migrator closes both the source and the migration connection.
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// withTx runs fn inside one transaction. Domain errors returned by fn pass
// through untouched; everything else is a StorageError.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &offline.StorageError{Op: op + ": begin", Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if isDomainError(err) {
			return err
		}
		return &offline.StorageError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &offline.StorageError{Op: op + ": commit", Err: err}
	}
	return nil
}

func isDomainError(err error) bool {
	return errors.Is(err, offline.ErrNotFound) ||
		errors.Is(err, offline.ErrAlreadySynced) ||
		errors.Is(err, offline.ErrAlreadyQueued) ||
		errors.Is(err, offline.ErrUnknownKind)
}

func (s *Store) nowMillis() int64 {
	return offline.Millis(s.now())
}

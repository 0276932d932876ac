// Package db is the local durable store for offline data.
//
// Every entity type gets its own collection (a SQLite table) plus the
// syncQueue collection that holds pending mutations. Each operation runs in a
// transaction scoped to one collection; there is no cross-collection
// atomicity.
//
// Architecture:
//   - Database file: <data_dir>/offsync.db
//   - WAL mode with synchronous=FULL: writes are durable when the call returns
//   - Schema version tracked in PRAGMA user_version
//   - Quota enforced by SQLite itself through max_page_count
//
// When the database cannot be opened, OpenOrMemory falls back to a private
// in-memory database so writes keep working for the current process.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultNearlyFullPercent is the usage percentage at which NearlyFull trips.
const DefaultNearlyFullPercent = 80

// Options configures Open.
type Options struct {
	// Path is the database file. Ignored by OpenMemory.
	Path string

	// Driver selects the database/sql driver ("sqlite3" by default).
	Driver string

	// QuotaBytes caps the database size. Zero means bounded by the device only.
	QuotaBytes int64

	// NearlyFullPercent is the NearlyFull threshold (default 80).
	NearlyFullPercent float64

	// SchemaVersion is the version to migrate to (default LatestVersion).
	SchemaVersion int

	// Logger for store activity
	Logger *log.Logger
}

func (o *Options) normalize() {
	if o.NearlyFullPercent <= 0 {
		o.NearlyFullPercent = DefaultNearlyFullPercent
	}
	if o.SchemaVersion <= 0 {
		o.SchemaVersion = LatestVersion
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[db] ", log.LstdFlags)
	}
}

// Store wraps the database connection with collection-level operations.
type Store struct {
	conn     *sql.DB
	path     string
	opts     Options
	degraded bool
	version  int
	schema   map[string]map[string]bool

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the database at opts.Path and migrates it
// to opts.SchemaVersion.
//
// Failures to create or open the file are reported as ErrStorageUnavailable.
// A database written by a newer schema yields ErrSchemaDowngrade.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts.normalize()
	spec, err := lookupDriver(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrStorageUnavailable)
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create database directory: %v", ErrStorageUnavailable, err)
	}

	pragmas := connPragmas{maxPageCount: maxPages(opts.QuotaBytes), wal: true}
	conn, err := sql.Open(spec.name, spec.fileDSN(opts.Path, pragmas))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStorageUnavailable, err)
	}
	if spec.execPragmas {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(2)
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: opts.Path, opts: opts}
	if err := s.init(ctx, spec, pragmas); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens a private in-memory database. It is never durable across
// process restarts and is marked Degraded.
func OpenMemory(ctx context.Context, opts Options) (*Store, error) {
	opts.normalize()
	spec, err := lookupDriver(opts.Driver)
	if err != nil {
		return nil, err
	}

	pragmas := connPragmas{maxPageCount: maxPages(opts.QuotaBytes)}
	conn, err := sql.Open(spec.name, spec.memoryDSN("offsync-"+uuid.NewString(), pragmas))
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// A single connection keeps every statement on the same private database.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, path: ":memory:", opts: opts, degraded: true}
	if err := s.init(ctx, spec, pragmas); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// OpenOrMemory opens the durable store and falls back to OpenMemory when it
// is unavailable. The returned warning is non-empty when the fallback was
// taken; it must be surfaced to the user. ErrSchemaDowngrade is returned
// as-is because a fresh memory store would hide the newer data.
func OpenOrMemory(ctx context.Context, opts Options) (*Store, string, error) {
	s, err := Open(ctx, opts)
	if err == nil {
		return s, "", nil
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		return nil, "", err
	}

	mem, memErr := OpenMemory(ctx, opts)
	if memErr != nil {
		return nil, "", fmt.Errorf("%w (memory fallback failed: %v)", err, memErr)
	}
	warning := fmt.Sprintf("offline storage unavailable, changes are kept in memory for this session only: %v", err)
	mem.opts.Logger.Printf("WARNING: %s", warning)
	return mem, warning, nil
}

func (s *Store) init(ctx context.Context, spec driverSpec, pragmas connPragmas) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: failed to ping database: %v", ErrStorageUnavailable, err)
	}
	if spec.execPragmas {
		for _, stmt := range pragmas.statements() {
			if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: failed to apply %q: %v", ErrStorageUnavailable, stmt, err)
			}
		}
	}
	version, err := migrate(ctx, s.conn, s.opts.SchemaVersion, s.opts.Logger)
	if err != nil {
		return err
	}
	s.version = version
	s.schema = schemaAt(version)
	return nil
}

func maxPages(quota int64) int64 {
	if quota <= 0 {
		return 0
	}
	return quota / pageSize
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if !s.degraded {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.opts.Logger.Printf("Warning: failed to checkpoint WAL: %v", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Path returns the database file path, or ":memory:" for a degraded store.
func (s *Store) Path() string {
	return s.path
}

// Degraded reports whether the store is the memory-only fallback.
func (s *Store) Degraded() bool {
	return s.degraded
}

// Version returns the schema version the store was migrated to.
func (s *Store) Version() int {
	return s.version
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// acquire guards against use after Close. The returned func releases the
// read lock.
func (s *Store) acquire() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: store is closed", ErrStorageUnavailable)
	}
	return s.mu.RUnlock, nil
}

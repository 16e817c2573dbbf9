// Package repository provides DuckDB-backed persistence for sensor rows and
// runtime settings.
//
// The repository serves as the bulk-load Source, keeps history for range
// queries and stores the settings the kv layer persists. Live inserts
// reach it through a Recorder.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/cistern/config"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/logging"
)

var log = logging.Component("repository")

// =============================================================================
// Configuration
// =============================================================================

// Config holds repository configuration options.
type Config struct {
	// Path is the DuckDB database file. Empty opens an in-memory database.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// QueryTimeout bounds each query that is not already bounded by the
	// caller's context.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:         config.DefaultRepositoryPath,
		MaxOpenConns: 4,
		QueryTimeout: config.DefaultQueryTimeout,
	}
}

// =============================================================================
// DB
// =============================================================================

// DB is a DuckDB repository.
//
// DB is safe for concurrent use.
type DB struct {
	db  *sql.DB
	cfg Config

	mu     sync.RWMutex
	closed bool

	queries atomic.Int64
	inserts atomic.Int64
	errors  atomic.Int64
}

// Open opens the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = config.DefaultQueryTimeout
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", errors.ErrConnectionFailed, err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("opened", "path", cfg.Path)
	return &DB{db: db, cfg: cfg}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// Health checks database connectivity.
func (d *DB) Health(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// TransactionContext runs fn in a transaction. It rolls back if fn returns
// an error or panics and commits otherwise.
func (d *DB) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Stats holds repository counters.
type Stats struct {
	Queries int64
	Inserts int64
	Errors  int64
}

// Stats returns repository counters.
func (d *DB) Stats() Stats {
	return Stats{
		Queries: d.queries.Load(),
		Inserts: d.inserts.Load(),
		Errors:  d.errors.Load(),
	}
}

func (d *DB) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.cfg.QueryTimeout)
}

func (d *DB) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.ErrClosed
	}
	return nil
}

// Package db owns the SQLite index: the connection pool, the schema and its
// migrations, and every query the server issues. All SQL lives in this
// package.
//
// The pool follows the WAL discipline used across the corpus: many readers,
// exactly one writer. Reads run on a pool of read connections; writes
// serialize through a single connection and wrap in BEGIN IMMEDIATE so lock
// acquisition happens up front. Writers queue behind busy_timeout instead of
// failing; only a bounded acquisition wait surfaces POOL_BUSY.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/Dicklesworthstone/agent-mail/internal/model"
	_ "modernc.org/sqlite" // register the "sqlite" driver
)

// Options tunes the pool.
type Options struct {
	// Readers is the fixed number of read connections.
	Readers int
	// AcquireWait bounds how long an acquisition blocks before POOL_BUSY.
	AcquireWait time.Duration
	// BusyTimeout is passed to SQLite so writers queue behind the current
	// writer rather than fail.
	BusyTimeout time.Duration
	// Trace, when set, receives every statement with its duration.
	Trace func(query string, d time.Duration, err error)
}

// Store is the SQLite index handle. Safe for concurrent use.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	opts   Options
	log    *slog.Logger
}

// Open opens (or creates) the index at path and applies migrations.
func Open(ctx context.Context, path string, opts Options, log *slog.Logger) (*Store, error) {
	if opts.Readers < 1 {
		opts.Readers = 4
	}
	if opts.AcquireWait <= 0 {
		opts.AcquireWait = 10 * time.Second
	}
	if opts.BusyTimeout < 60*time.Second {
		opts.BusyTimeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	dsn := fmt.Sprintf(
		"%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_pragma=temp_store(MEMORY)&_pragma=cache_size(-65536)",
		path, opts.BusyTimeout.Milliseconds(),
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	// SQLite allows one writer at a time; a single connection serializes
	// concurrent write calls through database/sql's own queue.
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(opts.Readers)

	s := &Store{writer: writer, reader: reader, opts: opts, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both pools. Callers must have drained in-flight work first
// (shutdown step 4).
func (s *Store) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// acquireCtx bounds an acquisition by the caller's context and the pool
// wait. The returned cancel must always be called.
func (s *Store) acquireCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.AcquireWait)
}

// mapAcquireErr translates context expiry during acquisition into the pool's
// error kinds, preserving the caller's own cancellation.
func mapAcquireErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return model.Wrap(model.KindCancelled, ctx.Err(), "acquire cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Wrap(model.KindPoolBusy, err, "connection pool exhausted")
	}
	return err
}

// isBusy reports whether err is a transient SQLITE_BUSY/LOCKED failure.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// isCorrupt reports whether err indicates index corruption.
func isCorrupt(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_CORRUPT") || strings.Contains(msg, "malformed")
}

// mapDBErr attaches a kind to a driver error.
func mapDBErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return model.Wrap(model.KindCancelled, err, "query cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return model.Wrap(model.KindTimeout, err, "query deadline exceeded")
	case isBusy(err):
		return model.Wrap(model.KindDBBusy, err, "database busy")
	case isCorrupt(err):
		return model.Wrap(model.KindDBCorrupt, err, "database corrupt")
	case strings.Contains(err.Error(), "constraint"):
		return model.Wrap(model.KindDBIntegrity, err, "constraint violation")
	default:
		return err
	}
}

// Tx is a write transaction on the single writer connection. Statements run
// through it so they share the connection holding the IMMEDIATE lock and so
// every statement is traced.
type Tx struct {
	conn *sql.Conn
	s    *Store
	ctx  context.Context
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := t.conn.ExecContext(t.ctx, query, args...)
	t.s.trace(query, start, err)
	return res, mapDBErr(err)
}

// Query runs a row-returning statement (including UPDATE ... RETURNING)
// inside the transaction.
func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := t.conn.QueryContext(t.ctx, query, args...)
	t.s.trace(query, start, err)
	return rows, mapDBErr(err)
}

// QueryRow runs a single-row statement inside the transaction.
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	start := time.Now()
	row := t.conn.QueryRowContext(t.ctx, query, args...)
	t.s.trace(query, start, nil)
	return row
}

func (s *Store) trace(query string, start time.Time, err error) {
	if s.opts.Trace != nil {
		s.opts.Trace(query, time.Since(start), err)
	}
}

const writeRetries = 5

// WithTx runs fn inside BEGIN IMMEDIATE on the writer. Transient busy
// failures retry with jitter up to a bound, then surface as DB_BUSY.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var last error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Intn(40)+10*attempt) * time.Millisecond
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return model.Wrap(model.KindCancelled, ctx.Err(), "write cancelled")
			}
		}
		err := s.tryTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !model.IsKind(err, model.KindDBBusy) {
			return err
		}
		last = err
	}
	return last
}

func (s *Store) tryTx(ctx context.Context, fn func(tx *Tx) error) error {
	actx, cancel := s.acquireCtx(ctx)
	conn, err := s.writer.Conn(actx)
	cancel()
	if err != nil {
		return mapAcquireErr(ctx, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return mapDBErr(err)
	}
	tx := &Tx{conn: conn, s: s, ctx: ctx}
	committed := false
	defer func() {
		if !committed {
			// Roll back on a background context: the caller's context may
			// already be cancelled, but the lock must still be dropped.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return mapDBErr(err)
	}
	committed = true
	return nil
}

// read acquires a read connection with a bounded wait and hands it to fn.
// The query itself runs under the caller's context.
func (s *Store) read(ctx context.Context, fn func(conn *sql.Conn) error) error {
	actx, cancel := s.acquireCtx(ctx)
	conn, err := s.reader.Conn(actx)
	cancel()
	if err != nil {
		return mapAcquireErr(ctx, err)
	}
	defer conn.Close()
	return fn(conn)
}

// queryRows runs a read query and scans every row through scan.
func (s *Store) queryRows(ctx context.Context, query string, args []any, scan func(rows *sql.Rows) error) error {
	return s.read(ctx, func(conn *sql.Conn) error {
		start := time.Now()
		rows, err := conn.QueryContext(ctx, query, args...)
		s.trace(query, start, err)
		if err != nil {
			return mapDBErr(err)
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		return mapDBErr(rows.Err())
	})
}

// Package sqlstore provides limiter.Store implementations on SQL databases.
//
// State lives in one table, rate_limit_windows, keyed by "namespace:key".
// Resets are upserts. Renewals are an UPDATE guarded by the stale start time,
// falling back to an INSERT that does nothing on conflict, so only one of
// several concurrent renewals zeroes the window. Increments run in a
// transaction that re-reads the row (locking it where the database supports
// row locks) and applies limiter.Admissible before adding hits.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manenim/window-limiter/pkg/limiter"
)

// Store implements limiter.Store on a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	q       queries
	timeout time.Duration
	aligner limiter.Aligner
	logger  *zap.Logger
}

type Option func(*Store)

// WithTimeout bounds every statement (default 5s). Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithAligner aligns every persisted window start.
func WithAligner(a limiter.Aligner) Option {
	return func(s *Store) { s.aligner = a }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps db. Call Migrate once before use.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		q:       dialect.queries(),
		timeout: 5 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Migrate creates the state table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.create); err != nil {
		return fmt.Errorf("create rate_limit_windows: %w", err)
	}
	return nil
}

func (s *Store) ReadState(ctx context.Context, id limiter.Identity) (limiter.State, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var st limiter.State
	err := s.db.QueryRowContext(ctx, s.q.read, id.String()).Scan(&st.Hits, &st.StartTime)
	if errors.Is(err, sql.ErrNoRows) {
		return limiter.State{}, false, nil
	}
	if err != nil {
		return limiter.State{}, false, err
	}
	return st, true, nil
}

func (s *Store) ResetState(ctx context.Context, id limiter.Identity, startTime int64) (int64, error) {
	if s.aligner != nil {
		startTime = s.aligner(startTime)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.q.reset, id.String(), startTime); err != nil {
		return 0, err
	}
	return startTime, nil
}

func (s *Store) RenewState(ctx context.Context, id limiter.Identity, stale *limiter.State, startTime int64) (limiter.State, bool, error) {
	if s.aligner != nil {
		startTime = s.aligner(startTime)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := id.String()
	fresh := limiter.State{StartTime: startTime}
	if stale != nil {
		ok, err := s.exec(ctx, s.q.renew, startTime, key, stale.StartTime)
		if err != nil || ok {
			return fresh, ok, err
		}
	}
	// No row, or a row someone else already renewed.
	ok, err := s.exec(ctx, s.q.open, key, startTime)
	if err != nil || ok {
		return fresh, ok, err
	}

	var cur limiter.State
	err = s.db.QueryRowContext(ctx, s.q.read, key).Scan(&cur.Hits, &cur.StartTime)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return limiter.State{}, false, err
	}
	return cur, false, nil
}

// exec runs a single-row statement and reports whether it changed the row.
func (s *Store) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) IncrementHits(ctx context.Context, id limiter.Identity, last limiter.State, n int64) (consumed int64, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin increment: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Stringer("identity", id), zap.Error(rbErr))
		}
	}()

	key := id.String()
	var cur limiter.State
	err = tx.QueryRowContext(ctx, s.q.lock, key).Scan(&cur.Hits, &cur.StartTime)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return 0, tx.Rollback()
	}
	if err != nil {
		return 0, err
	}

	consumed = limiter.Admissible(last, cur, n)
	if consumed > 0 {
		if _, err = tx.ExecContext(ctx, s.q.incr, consumed, key); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit increment: %w", err)
	}
	return consumed, nil
}

// Delete removes the state of id.
func (s *Store) Delete(ctx context.Context, id limiter.Identity) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.q.del, id.String())
	return err
}

// Entry is one persisted limiter state.
type Entry struct {
	Key   string
	State limiter.State
}

// List returns the stored states whose key starts with prefix, ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q.list, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.State.Hits, &e.State.StartTime); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// escapeLike quotes LIKE wildcards for the ESCAPE '\' clause of the list query.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

var _ limiter.Store = (*Store)(nil)

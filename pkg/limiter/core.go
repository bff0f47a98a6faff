package limiter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Limiter is the fixed-window state machine for one identity.
//
// It holds no window state between calls. Every operation re-reads
// (hits, startTime) from the Store, rolls the window over when the timestamp
// is outside it, and only then answers or admits. A Limiter is therefore cheap
// to construct and safe to share; concurrent correctness is the Store's job.
type Limiter struct {
	id       Identity
	limit    Limit
	store    Store
	clock    Clock
	logger   *zap.Logger
	recorder MetricsRecorder
}

// session is the state materialized by one refresh.
type session struct {
	hits       int64
	window     TimeWindow
	timeToWait int64
}

func (s session) state() State {
	return State{Hits: s.hits, StartTime: s.window.StartTime()}
}

// maxRenewals bounds how many windows one call chases when other writers keep
// renewing to windows that are still stale at its timestamp.
const maxRenewals = 3

// New returns a Limiter admitting limit.Rate hits per limit.Period for id.
func New(store Store, id Identity, limit Limit, opts ...Option) (*Limiter, error) {
	return newLimiter(store, id, limit, newOptions(opts))
}

func newLimiter(store Store, id Identity, limit Limit, o options) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("limiter: store is required")
	}
	if err := limit.validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		id:       id,
		limit:    limit,
		store:    store,
		clock:    o.clock,
		logger:   o.logger,
		recorder: o.recorder,
	}, nil
}

func (l *Limiter) Rate() int64 { return l.limit.Rate }

func (l *Limiter) Period() int64 { return l.limit.Period }

func (l *Limiter) Identity() Identity { return l.id }

// Now reads the limiter's clock.
func (l *Limiter) Now() int64 { return l.clock.Now() }

// Hits returns the hits admitted in the window active at ts.
func (l *Limiter) Hits(ctx context.Context, ts int64) (int64, error) {
	s, err := l.refresh(ctx, ts)
	if err != nil {
		return 0, err
	}
	return s.hits, nil
}

// TimeToWait returns 0 while the window active at ts has capacity, otherwise
// the units left until the next window starts.
func (l *Limiter) TimeToWait(ctx context.Context, ts int64) (int64, error) {
	s, err := l.refresh(ctx, ts)
	if err != nil {
		return 0, err
	}
	return s.timeToWait, nil
}

// StartTime returns the start of the window active at ts, after any rollover.
func (l *Limiter) StartTime(ctx context.Context, ts int64) (int64, error) {
	s, err := l.refresh(ctx, ts)
	if err != nil {
		return 0, err
	}
	return s.window.StartTime(), nil
}

// Inc tries to admit a single hit at ts and returns 1 or 0.
func (l *Limiter) Inc(ctx context.Context, ts int64) (int64, error) {
	return l.IncN(ctx, ts, 1)
}

// IncN tries to admit n hits at ts and returns how many were admitted.
// Admission saturates: when only k < n hits remain, k are admitted.
func (l *Limiter) IncN(ctx context.Context, ts int64, n int64) (int64, error) {
	d, err := l.Take(ctx, ts, n)
	if err != nil {
		return 0, err
	}
	return d.Admitted, nil
}

// Take admits up to n hits at ts like IncN and describes the outcome.
// Allow is true when at least one hit was admitted.
func (l *Limiter) Take(ctx context.Context, ts int64, n int64) (Decision, error) {
	if n < 1 {
		return Decision{}, ErrInvalidIncrement
	}
	s, err := l.refresh(ctx, ts)
	if err != nil {
		return Decision{}, err
	}

	var admitted int64
	if s.timeToWait == 0 && s.hits < l.limit.Rate {
		admitted, err = l.consume(ctx, s, n)
		if err != nil {
			return Decision{}, err
		}
	}

	hits := s.hits + admitted
	d := Decision{
		Allow:     admitted > 0,
		Admitted:  admitted,
		Remaining: max(l.limit.Rate-hits, 0),
		ResetAt:   s.window.EndTime(),
	}
	if !d.Allow && hits >= l.limit.Rate {
		d.RetryAfter = s.window.TimeToNext(ts)
	}
	return d, nil
}

// Reset unconditionally starts a new window at ts with zero hits and returns
// its start, which the store may have aligned. The start must not only exist
// but its window must contain ts: an aligned start whose window ends before ts
// cannot serve as the current window and is reported as ErrNoStartTime, just
// like a store that produced no start at all.
func (l *Limiter) Reset(ctx context.Context, ts int64) (int64, error) {
	start, err := l.store.ResetState(ctx, l.id, ts)
	if err != nil {
		return 0, l.startError("reset", ts, err)
	}
	if err := l.checkStart(ts, start); err != nil {
		return 0, err
	}
	l.logger.Debug("window reset",
		zap.Stringer("identity", l.id),
		zap.Int64("timestamp", ts),
		zap.Int64("start", start),
	)
	return start, nil
}

func (l *Limiter) startError(op string, ts int64, err error) error {
	if errors.Is(err, ErrNoStartTime) {
		l.logger.Error("store produced no start time",
			zap.Stringer("identity", l.id),
			zap.String("op", op),
			zap.Int64("timestamp", ts),
			zap.Error(err),
		)
		return err
	}
	return fmt.Errorf("limiter: %s %s: %w", op, l.id, err)
}

func (l *Limiter) checkStart(ts, start int64) error {
	if NewTimeWindow(start, l.limit.Period).IsActive(ts) {
		return nil
	}
	l.logger.Error("store produced unusable start time",
		zap.Stringer("identity", l.id),
		zap.Int64("timestamp", ts),
		zap.Int64("start", start),
		zap.Int64("period", l.limit.Period),
	)
	return fmt.Errorf("%w: %s at %d returned start %d for period %d",
		ErrNoStartTime, l.id, ts, start, l.limit.Period)
}

func (l *Limiter) refresh(ctx context.Context, ts int64) (session, error) {
	st, found, err := l.store.ReadState(ctx, l.id)
	if err != nil {
		return session{}, fmt.Errorf("limiter: read state of %s: %w", l.id, err)
	}
	if !found {
		return l.rollover(ctx, ts, nil)
	}
	if s, ok := l.activeSession(st, ts); ok {
		return s, nil
	}
	// Elapsed and future windows are both stale.
	return l.rollover(ctx, ts, &st)
}

// activeSession materializes st when its window is active at ts.
func (l *Limiter) activeSession(st State, ts int64) (session, bool) {
	w := NewTimeWindow(st.StartTime, l.limit.Period)
	if !w.IsActive(ts) {
		return session{}, false
	}
	s := session{hits: st.Hits, window: w}
	if st.Hits >= l.limit.Rate {
		s.timeToWait = w.TimeToNext(ts)
	}
	return s, true
}

// rollover replaces the stale window with one starting at ts. When callers
// race on the same stale window exactly one renews it and the others adopt
// the winner's window, hits included.
func (l *Limiter) rollover(ctx context.Context, ts int64, stale *State) (session, error) {
	for range maxRenewals {
		cur, renewed, err := l.store.RenewState(ctx, l.id, stale, ts)
		if err != nil {
			return session{}, l.startError("renew", ts, err)
		}
		if renewed {
			if err := l.checkStart(ts, cur.StartTime); err != nil {
				return session{}, err
			}
			l.recorder.Add(MetricRollover, 1, map[string]string{"namespace": string(l.id.Namespace)})
			l.logger.Debug("window renewed",
				zap.Stringer("identity", l.id),
				zap.Int64("timestamp", ts),
				zap.Int64("start", cur.StartTime),
			)
			return session{window: NewTimeWindow(cur.StartTime, l.limit.Period)}, nil
		}
		if s, ok := l.activeSession(cur, ts); ok {
			return s, nil
		}
		stale = &cur
	}
	return session{}, fmt.Errorf("%w: %s at %d", ErrRenewContention, l.id, ts)
}

func (l *Limiter) consume(ctx context.Context, s session, n int64) (int64, error) {
	sanitized := min(n, l.limit.Rate-s.hits)
	got, err := l.store.IncrementHits(ctx, l.id, s.state(), sanitized)
	if err != nil {
		return 0, fmt.Errorf("limiter: increment %s: %w", l.id, err)
	}
	if got > sanitized || got < 0 {
		l.logger.Warn("store reported out-of-range consumption",
			zap.Stringer("identity", l.id),
			zap.Int64("requested", sanitized),
			zap.Int64("consumed", got),
		)
		got = min(max(got, 0), sanitized)
	}
	return got, nil
}

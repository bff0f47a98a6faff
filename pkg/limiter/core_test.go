package limiter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, store Store, rate, period int64) *Limiter {
	t.Helper()
	l, err := New(store, Identity{Namespace: "test", Key: "user_1"}, Limit{Rate: rate, Period: period})
	require.NoError(t, err)
	return l
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		store Store
		limit Limit
	}{
		{name: "nil store", store: nil, limit: Limit{Rate: 1, Period: 1}},
		{name: "zero rate", store: NewMemoryStore(), limit: Limit{Rate: 0, Period: 10}},
		{name: "negative period", store: NewMemoryStore(), limit: Limit{Rate: 5, Period: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.store, Identity{Key: "k"}, tt.limit)
			require.Error(t, err)
		})
	}

	_, err := New(NewMemoryStore(), Identity{Key: "k"}, Limit{Rate: 0, Period: 1})
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestLimiter_Accessors(t *testing.T) {
	l := newTestLimiter(t, NewMemoryStore(), 30, 10)
	assert.Equal(t, int64(30), l.Rate())
	assert.Equal(t, int64(10), l.Period())
	assert.Equal(t, "test:user_1", l.Identity().String())
}

func TestLimiter_SmallRateScenario(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, NewMemoryStore(), 2, 10)

	n, err := l.IncN(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	hits, err := l.Hits(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits)

	n, err = l.IncN(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only one hit remained")

	hits, err = l.Hits(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits)

	n, err = l.Inc(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	wait, err := l.TimeToWait(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), wait)

	n, err = l.Inc(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a new window opens at t=10")
}

func TestLimiter_RolloverOnTimeSkip(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, NewMemoryStore(), 30, 10)

	n, err := l.IncN(ctx, 1000, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)

	hits, err := l.Hits(ctx, 1011)
	require.NoError(t, err)
	assert.Equal(t, int64(0), hits)

	start, err := l.StartTime(ctx, 1011)
	require.NoError(t, err)
	assert.Equal(t, int64(1011), start)
}

func TestLimiter_ExhaustionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, NewMemoryStore(), 5, 10)

	_, err := l.IncN(ctx, 100, 5)
	require.NoError(t, err)

	prev := int64(1 << 62)
	for ts := int64(100); ts < 110; ts++ {
		n, err := l.Inc(ctx, ts)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "no admission at %d", ts)

		wait, err := l.TimeToWait(ctx, ts)
		require.NoError(t, err)
		assert.Greater(t, wait, int64(0))
		assert.LessOrEqual(t, wait, prev)
		prev = wait

		hits, err := l.Hits(ctx, ts)
		require.NoError(t, err)
		assert.Equal(t, int64(5), hits)
	}
}

func TestLimiter_ResetZeroesState(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, NewMemoryStore(), 3, 10)

	_, err := l.IncN(ctx, 50, 3)
	require.NoError(t, err)

	start, err := l.Reset(ctx, 55)
	require.NoError(t, err)
	assert.Equal(t, int64(55), start)

	hits, err := l.Hits(ctx, 55)
	require.NoError(t, err)
	assert.Equal(t, int64(0), hits)

	wait, err := l.TimeToWait(ctx, 55)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wait)
}

func TestLimiter_TimestampBeforeStartResets(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, NewMemoryStore(), 3, 10)

	_, err := l.IncN(ctx, 500, 3)
	require.NoError(t, err)

	wait, err := l.TimeToWait(ctx, 499)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wait)

	start, err := l.StartTime(ctx, 499)
	require.NoError(t, err)
	assert.Equal(t, int64(499), start)
}

func TestLimiter_InvalidIncrement(t *testing.T) {
	l := newTestLimiter(t, NewMemoryStore(), 3, 10)
	_, err := l.IncN(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidIncrement)
}

func TestLimiter_Take(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, NewMemoryStore(), 3, 10)

	d, err := l.Take(ctx, 200, 2)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allow: true, Admitted: 2, Remaining: 1, ResetAt: 210}, d)

	d, err = l.Take(ctx, 204, 2)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allow: true, Admitted: 1, Remaining: 0, ResetAt: 210}, d, "an allowed decision never asks to retry")

	d, err = l.Take(ctx, 205, 1)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allow: false, Admitted: 0, Remaining: 0, RetryAfter: 5, ResetAt: 210}, d)
}

// stubStore lets tests script store behaviour.
type stubStore struct {
	state    State
	found    bool
	readErr  error
	reset    func(start int64) (int64, error)
	renew    func(stale *State, start int64) (State, bool, error)
	consumed func(n int64) int64
	incErr   error
}

func (s *stubStore) ReadState(ctx context.Context, id Identity) (State, bool, error) {
	return s.state, s.found, s.readErr
}

func (s *stubStore) ResetState(ctx context.Context, id Identity, startTime int64) (int64, error) {
	if s.reset != nil {
		return s.reset(startTime)
	}
	s.state, s.found = State{StartTime: startTime}, true
	return startTime, nil
}

func (s *stubStore) RenewState(ctx context.Context, id Identity, stale *State, startTime int64) (State, bool, error) {
	if s.renew != nil {
		return s.renew(stale, startTime)
	}
	start, err := s.ResetState(ctx, id, startTime)
	if err != nil {
		return State{}, false, err
	}
	return State{StartTime: start}, true, nil
}

func (s *stubStore) IncrementHits(ctx context.Context, id Identity, last State, n int64) (int64, error) {
	if s.incErr != nil {
		return 0, s.incErr
	}
	if s.consumed != nil {
		return s.consumed(n), nil
	}
	s.state.Hits += n
	return n, nil
}

func TestLimiter_ResetWithoutStartTime(t *testing.T) {
	store := &stubStore{reset: func(int64) (int64, error) { return 0, ErrNoStartTime }}
	l := newTestLimiter(t, store, 10, 10)

	_, err := l.Reset(context.Background(), 10)
	assert.ErrorIs(t, err, ErrNoStartTime)

	_, err = l.Hits(context.Background(), 10)
	assert.ErrorIs(t, err, ErrNoStartTime, "implicit reset surfaces the same error")
}

func TestLimiter_ResetAlignedOutsideWindow(t *testing.T) {
	// Whole-hour alignment cannot serve a 10 unit period.
	store := NewMemoryStore(WithAligner(TruncateTo(3600)))
	l := newTestLimiter(t, store, 10, 10)

	_, err := l.Reset(context.Background(), 7250)
	assert.ErrorIs(t, err, ErrNoStartTime)

	_, err = l.Inc(context.Background(), 7250)
	assert.ErrorIs(t, err, ErrNoStartTime)
}

func TestLimiter_ResetAlignedInsideWindow(t *testing.T) {
	store := NewMemoryStore(WithAligner(TruncateTo(3600)))
	l := newTestLimiter(t, store, 10, 3600)

	start, err := l.Reset(context.Background(), 7250)
	require.NoError(t, err)
	assert.Equal(t, int64(7200), start)

	wait, err := l.TimeToWait(context.Background(), 7250)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wait)
}

func TestLimiter_StoreErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")

	l := newTestLimiter(t, &stubStore{readErr: boom}, 10, 10)
	_, err := l.Hits(context.Background(), 0)
	assert.ErrorIs(t, err, boom)

	l = newTestLimiter(t, &stubStore{incErr: boom}, 10, 10)
	_, err = l.Inc(context.Background(), 0)
	assert.ErrorIs(t, err, boom)
}

func TestLimiter_RolloverAdoptsConcurrentWindow(t *testing.T) {
	var gotStale *State
	store := &stubStore{
		state: State{Hits: 3, StartTime: 0},
		found: true,
		renew: func(stale *State, start int64) (State, bool, error) {
			gotStale = stale
			return State{Hits: 2, StartTime: 10}, false, nil
		},
	}
	l := newTestLimiter(t, store, 3, 10)

	d, err := l.Take(context.Background(), 12, 5)
	require.NoError(t, err)
	require.NotNil(t, gotStale)
	assert.Equal(t, State{Hits: 3, StartTime: 0}, *gotStale)
	assert.Equal(t, Decision{Allow: true, Admitted: 1, Remaining: 0, ResetAt: 20}, d,
		"hits admitted by the writer that renewed count against the budget")
}

func TestLimiter_RolloverRetriesStaleConcurrentWindow(t *testing.T) {
	var calls []*State
	store := &stubStore{
		renew: func(stale *State, start int64) (State, bool, error) {
			calls = append(calls, stale)
			if len(calls) == 1 {
				// Another writer with an older clock renewed first.
				return State{Hits: 1, StartTime: 0}, false, nil
			}
			return State{StartTime: start}, true, nil
		},
	}
	l := newTestLimiter(t, store, 3, 10)

	start, err := l.StartTime(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, int64(15), start)
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0], "nothing was stored when the limiter read")
	assert.Equal(t, &State{Hits: 1, StartTime: 0}, calls[1])
}

func TestLimiter_RolloverGivesUpUnderContention(t *testing.T) {
	store := &stubStore{
		renew: func(stale *State, start int64) (State, bool, error) {
			return State{StartTime: start - 100}, false, nil
		},
	}
	l := newTestLimiter(t, store, 3, 10)

	_, err := l.Inc(context.Background(), 500)
	assert.ErrorIs(t, err, ErrRenewContention)
}

func TestLimiter_ConsumptionIsClamped(t *testing.T) {
	store := &stubStore{consumed: func(n int64) int64 { return n + 5 }}
	l := newTestLimiter(t, store, 10, 10)

	n, err := l.IncN(context.Background(), 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "a store never admits more than requested")
}

func TestAdmissible(t *testing.T) {
	tests := []struct {
		name    string
		last    State
		current State
		n       int64
		want    int64
	}{
		{name: "unchanged", last: State{Hits: 2, StartTime: 10}, current: State{Hits: 2, StartTime: 10}, n: 3, want: 3},
		{name: "raced partially", last: State{Hits: 2, StartTime: 10}, current: State{Hits: 4, StartTime: 10}, n: 3, want: 1},
		{name: "raced fully", last: State{Hits: 2, StartTime: 10}, current: State{Hits: 9, StartTime: 10}, n: 3, want: 0},
		{name: "window restarted", last: State{Hits: 2, StartTime: 10}, current: State{Hits: 0, StartTime: 20}, n: 3, want: 0},
		{name: "reset in same window", last: State{Hits: 2, StartTime: 10}, current: State{Hits: 0, StartTime: 10}, n: 3, want: 3},
		{name: "nothing requested", last: State{StartTime: 10}, current: State{StartTime: 10}, n: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Admissible(tt.last, tt.current, tt.n))
		})
	}
}

func TestTruncateTo(t *testing.T) {
	align := TruncateTo(3600)
	assert.Equal(t, int64(7200), align(7250))
	assert.Equal(t, int64(7200), align(7200))
	assert.Equal(t, int64(-3600), align(-1))
	assert.Equal(t, int64(42), TruncateTo(0)(42))
}

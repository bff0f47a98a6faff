// Package limitertest checks that a limiter.Store behaves correctly under the
// fixed-window Limiter. Store implementations call RunStoreSuite from their own
// tests.
package limitertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/window-limiter/pkg/limiter"
)

const (
	suiteRate   = 30
	suitePeriod = 10
	suiteStart  = 1_700_000_000
)

// harness drives a Limiter on synthetic time.
type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *limiter.ManualClock
	l     *limiter.Limiter
}

func (h *harness) now() int64 { return h.clock.Now() }

func (h *harness) inc() bool {
	n, err := h.l.Inc(h.ctx, h.now())
	require.NoError(h.t, err)
	return n == 1
}

func (h *harness) incN(n int64) int64 {
	got, err := h.l.IncN(h.ctx, h.now(), n)
	require.NoError(h.t, err)
	require.LessOrEqual(h.t, got, n)
	return got
}

func (h *harness) hits() int64 {
	n, err := h.l.Hits(h.ctx, h.now())
	require.NoError(h.t, err)
	return n
}

func (h *harness) timeToWait() int64 {
	n, err := h.l.TimeToWait(h.ctx, h.now())
	require.NoError(h.t, err)
	return n
}

func (h *harness) wait(d int64) { h.clock.Advance(d) }

func (h *harness) requireFresh() {
	assert.Equal(h.t, int64(0), h.hits(), "hits in a fresh window")
	assert.Equal(h.t, int64(0), h.timeToWait(), "wait in a fresh window")
}

// spreadCalls makes count single-hit calls evenly over span units, then moves
// one unit past the span. It returns the number of admitted calls.
func (h *harness) spreadCalls(count, span int64) int64 {
	delta := span / count
	var spent, admitted int64
	for i := int64(0); i < count; i++ {
		if h.inc() {
			admitted++
		}
		h.wait(delta)
		spent += delta
	}
	if rest := span - spent + 1; rest > 0 {
		h.wait(rest)
	}
	return admitted
}

// slowReads delays every ReadState like a network round trip, so concurrent
// callers act on the state they read after others have already written.
type slowReads struct {
	limiter.Store
}

func (s slowReads) ReadState(ctx context.Context, id limiter.Identity) (limiter.State, bool, error) {
	st, found, err := s.Store.ReadState(ctx, id)
	time.Sleep(time.Millisecond)
	return st, found, err
}

// RunStoreSuite runs the limiter compliance cases against stores produced by
// newStore. newStore is called once per case and must return empty state.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) limiter.Store) {
	build := func(t *testing.T, store limiter.Store) *harness {
		clock := limiter.NewManualClock(suiteStart)
		l, err := limiter.New(store,
			limiter.Identity{Namespace: "suite", Key: t.Name()},
			limiter.Limit{Rate: suiteRate, Period: suitePeriod},
			limiter.WithClock(clock),
		)
		require.NoError(t, err)
		return &harness{t: t, ctx: context.Background(), clock: clock, l: l}
	}
	setup := func(t *testing.T) *harness {
		return build(t, newStore(t))
	}

	t.Run("FreshLimiterHasNoHitsAndNoWait", func(t *testing.T) {
		setup(t).requireFresh()
	})

	t.Run("ResetClearsHitsAndWait", func(t *testing.T) {
		h := setup(t)
		h.incN(suiteRate)
		_, err := h.l.Reset(h.ctx, h.now())
		require.NoError(t, err)
		h.requireFresh()
	})

	t.Run("IncAddsOneHit", func(t *testing.T) {
		h := setup(t)
		before := h.hits()
		assert.True(t, h.inc())
		assert.Equal(t, before+1, h.hits())
	})

	t.Run("WindowEndsAfterPeriod", func(t *testing.T) {
		h := setup(t)
		h.inc()
		h.inc()
		assert.Equal(t, int64(2), h.hits())
		h.wait(suitePeriod - 1)
		assert.Equal(t, int64(2), h.hits(), "hits kept until the end of the window")
		h.wait(1)
		h.requireFresh()
	})

	t.Run("IncAfterReset", func(t *testing.T) {
		h := setup(t)
		assert.True(t, h.inc())
		_, err := h.l.Reset(h.ctx, h.now())
		require.NoError(t, err)
		h.requireFresh()
		assert.True(t, h.inc())
		assert.Equal(t, int64(1), h.hits())
	})

	t.Run("IncAfterPeriodElapsed", func(t *testing.T) {
		h := setup(t)
		assert.True(t, h.inc())
		h.wait(suitePeriod + 1)
		h.requireFresh()
		assert.True(t, h.inc())
	})

	t.Run("WaitWithinHalfPeriod", func(t *testing.T) {
		h := setup(t)
		half := int64(suitePeriod+1) / 2
		h.spreadCalls(suiteRate, half)
		wait := h.timeToWait()
		assert.Greater(t, wait, int64(0))
		assert.LessOrEqual(t, wait, half)
	})

	t.Run("BurstWaitsAlmostWholePeriod", func(t *testing.T) {
		h := setup(t)
		h.spreadCalls(suiteRate, 0)
		wait := h.timeToWait()
		assert.Greater(t, wait, int64(0))
		assert.LessOrEqual(t, wait, int64(suitePeriod-1))
	})

	t.Run("ExcessCallsDoNotRaiseHits", func(t *testing.T) {
		h := setup(t)
		admitted := h.spreadCalls(suiteRate*3, suitePeriod-3)
		assert.Equal(t, int64(suiteRate), admitted)
		assert.Equal(t, int64(suiteRate), h.hits())
	})

	t.Run("FullBudgetInNextWindow", func(t *testing.T) {
		h := setup(t)
		assert.Equal(t, int64(suiteRate), h.spreadCalls(suiteRate, suitePeriod-3))
		assert.Equal(t, int64(suiteRate), h.hits())

		h.wait(3)
		h.requireFresh()

		assert.Equal(t, int64(suiteRate), h.spreadCalls(suiteRate, suitePeriod-3))
		assert.Equal(t, int64(suiteRate), h.hits())
	})

	t.Run("TimestampBeforeStartResets", func(t *testing.T) {
		h := setup(t)
		h.spreadCalls(suiteRate, suitePeriod/2)
		assert.Equal(t, int64(suiteRate), h.hits())

		before := suiteStart - 1
		hits, err := h.l.Hits(h.ctx, int64(before))
		require.NoError(t, err)
		assert.Equal(t, int64(0), hits)
		wait, err := h.l.TimeToWait(h.ctx, int64(before))
		require.NoError(t, err)
		assert.Equal(t, int64(0), wait)
	})

	t.Run("StartTimeWithinActiveWindow", func(t *testing.T) {
		h := setup(t)
		start, err := h.l.StartTime(h.ctx, h.now())
		require.NoError(t, err)
		assert.LessOrEqual(t, start, h.now())
		assert.Greater(t, start, h.now()-suitePeriod)
	})

	t.Run("ConsumeSeveralHitsAtOnce", func(t *testing.T) {
		h := setup(t)
		assert.Equal(t, int64(2), h.incN(2))
		assert.Equal(t, int64(2), h.hits())
		assert.Equal(t, int64(0), h.timeToWait())

		assert.Equal(t, int64(3), h.incN(3))
		assert.Equal(t, int64(5), h.hits())
		assert.Equal(t, int64(0), h.timeToWait())
	})

	t.Run("ConsumeWholeBudgetAtOnce", func(t *testing.T) {
		h := setup(t)
		assert.Equal(t, int64(suiteRate), h.incN(suiteRate))
		assert.Equal(t, int64(suiteRate), h.hits())
		assert.Equal(t, int64(suitePeriod), h.timeToWait())
	})

	t.Run("OversizedRequestOnEmptyWindowSaturates", func(t *testing.T) {
		h := setup(t)
		assert.Equal(t, int64(suiteRate), h.incN(suiteRate+1))
		assert.Equal(t, int64(suiteRate), h.hits())
		assert.Equal(t, int64(suitePeriod), h.timeToWait())
	})

	t.Run("OversizedRequestTakesRemainder", func(t *testing.T) {
		h := setup(t)
		assert.Equal(t, int64(2), h.incN(2))
		assert.Equal(t, int64(suiteRate-2), h.incN(suiteRate+2))
		assert.Equal(t, int64(suiteRate), h.hits())
		assert.Equal(t, int64(suitePeriod), h.timeToWait())
	})

	t.Run("LimiterFlow", func(t *testing.T) {
		h := setup(t)
		h.requireFresh()

		assert.Equal(t, int64(suiteRate), h.spreadCalls(suiteRate, suitePeriod-2))
		assert.Equal(t, int64(suiteRate), h.hits())

		assert.False(t, h.inc(), "no hit beyond the rate")
		assert.False(t, h.inc(), "still no hit beyond the rate")
		assert.Greater(t, h.timeToWait(), int64(0))
		assert.Equal(t, int64(suiteRate), h.hits())

		h.wait(2)
		assert.Equal(t, int64(0), h.timeToWait())
		assert.Equal(t, int64(0), h.hits())
		assert.True(t, h.inc())
		assert.Equal(t, int64(0), h.timeToWait())
	})

	t.Run("ConcurrentIncNeverExceedsRate", func(t *testing.T) {
		h := setup(t)
		ts := h.now()
		// Open the window up front so every goroutine races on increments.
		_, err := h.l.Reset(h.ctx, ts)
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int64
		)
		for i := 0; i < suiteRate*2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := h.l.IncN(h.ctx, ts, 2)
				if err != nil {
					return
				}
				mu.Lock()
				admitted += n
				mu.Unlock()
			}()
		}
		wg.Wait()

		hits := h.hits()
		assert.LessOrEqual(t, hits, int64(suiteRate))
		assert.Equal(t, admitted, hits, "persisted hits match admitted hits")
	})

	t.Run("RenewOnlyReplacesStaleWindow", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := limiter.Identity{Namespace: "suite", Key: t.Name()}
		first, second := int64(suiteStart), int64(suiteStart+suitePeriod)

		cur, renewed, err := store.RenewState(ctx, id, nil, first)
		require.NoError(t, err)
		assert.True(t, renewed, "nothing stored yet")
		assert.Equal(t, limiter.State{StartTime: first}, cur)

		cur, renewed, err = store.RenewState(ctx, id, nil, first+1)
		require.NoError(t, err)
		assert.False(t, renewed, "someone created the window after we found none")
		assert.Equal(t, limiter.State{StartTime: first}, cur)

		got, err := store.IncrementHits(ctx, id, cur, 2)
		require.NoError(t, err)
		require.Equal(t, int64(2), got)

		cur, renewed, err = store.RenewState(ctx, id, &limiter.State{StartTime: first - suitePeriod}, second)
		require.NoError(t, err)
		assert.False(t, renewed, "stale start no longer stored")
		assert.Equal(t, limiter.State{Hits: 2, StartTime: first}, cur)

		cur, renewed, err = store.RenewState(ctx, id, &limiter.State{Hits: 2, StartTime: first}, second)
		require.NoError(t, err)
		assert.True(t, renewed)
		assert.Equal(t, limiter.State{StartTime: second}, cur)

		cur, renewed, err = store.RenewState(ctx, id, &limiter.State{Hits: 2, StartTime: first}, second+1)
		require.NoError(t, err)
		assert.False(t, renewed, "renewed once per stale window")
		assert.Equal(t, limiter.State{StartTime: second}, cur)

		st, found, err := store.ReadState(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, limiter.State{StartTime: second}, st)
	})

	t.Run("ConcurrentRolloverNeverExceedsRate", func(t *testing.T) {
		h := build(t, slowReads{newStore(t)})
		require.Equal(t, int64(suiteRate), h.incN(suiteRate))
		h.wait(suitePeriod)
		ts := h.now()

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int64
			start    = make(chan struct{})
		)
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				n, err := h.l.Inc(h.ctx, ts)
				if err != nil {
					return
				}
				mu.Lock()
				admitted += n
				mu.Unlock()
			}()
		}
		close(start)
		wg.Wait()

		assert.Positive(t, admitted)
		assert.LessOrEqual(t, admitted, int64(suiteRate), "every caller saw the same elapsed window")
		assert.Equal(t, admitted, h.hits(), "persisted hits match admitted hits")
		st, err := h.l.StartTime(h.ctx, ts)
		require.NoError(t, err)
		assert.Equal(t, ts, st)
	})
}

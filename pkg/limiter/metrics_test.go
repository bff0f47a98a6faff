package limiter

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockRecorder captures metrics in memory for assertion
type MockRecorder struct {
	mu       sync.Mutex
	Counters map[string]float64
	Timings  map[string][]float64
}

func NewMockRecorder() *MockRecorder {
	return &MockRecorder{
		Counters: make(map[string]float64),
		Timings:  make(map[string][]float64),
	}
}

func (m *MockRecorder) Add(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name] += value
}

func (m *MockRecorder) Observe(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], value)
}

func TestFixedWindowLimiter_Metrics(t *testing.T) {
	mock := NewMockRecorder()
	clock := NewManualClock(0)
	l := NewFixedWindowLimiter(NewMemoryStore(), WithRecorder(mock), WithClock(clock))

	id := Identity{Namespace: "metrics_test", Key: "user_1"}
	limit := Limit{Rate: 2, Period: 10}

	for i := 0; i < 3; i++ {
		_, err := l.Allow(context.Background(), id, limit)
		require.NoError(t, err)
	}

	clock.Advance(10)
	_, err := l.Allow(context.Background(), id, limit)
	require.NoError(t, err)

	assert.Equal(t, float64(4), mock.Counters[MetricCall])
	assert.Equal(t, float64(3), mock.Counters[MetricAllowed])
	assert.Equal(t, float64(1), mock.Counters[MetricDenied])
	assert.Equal(t, float64(2), mock.Counters[MetricRollover], "first use and the elapsed window")
	assert.Len(t, mock.Timings[MetricLatency], 4)
	for _, v := range mock.Timings[MetricLatency] {
		assert.GreaterOrEqual(t, v, float64(0))
	}
}

func TestFixedWindowLimiter_ErrorMetric(t *testing.T) {
	mock := NewMockRecorder()
	l := NewFixedWindowLimiter(NewMemoryStore(), WithRecorder(mock))

	_, err := l.Allow(context.Background(), Identity{Key: "bad"}, Limit{Rate: 0, Period: 10})
	assert.ErrorIs(t, err, ErrInvalidLimit)
	assert.Equal(t, float64(1), mock.Counters[MetricError])
}

func TestFixedWindowLimiter_AllowN(t *testing.T) {
	l := NewFixedWindowLimiter(NewMemoryStore(), WithClock(NewManualClock(40)))
	id := Identity{Namespace: "batch", Key: "job"}
	limit := Limit{Rate: 5, Period: 20}

	dec, err := l.AllowN(context.Background(), id, limit, 3)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allow: true, Admitted: 3, Remaining: 2, ResetAt: 60}, dec)

	dec, err = l.AllowN(context.Background(), id, limit, 3)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allow: true, Admitted: 2, Remaining: 0, ResetAt: 60}, dec)

	dec, err = l.AllowN(context.Background(), id, limit, 1)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allow: false, Remaining: 0, RetryAfter: 20, ResetAt: 60}, dec)

	_, err = l.AllowN(context.Background(), id, limit, 0)
	assert.ErrorIs(t, err, ErrInvalidIncrement)
}

func TestFixedWindowLimiter_ForSharesOptions(t *testing.T) {
	clock := NewManualClock(7)
	mock := NewMockRecorder()
	logger := zap.NewNop()
	f := NewFixedWindowLimiter(NewMemoryStore(), WithClock(clock), WithRecorder(mock), WithLogger(logger))

	a, err := f.For(Identity{Key: "a"}, Limit{Rate: 1, Period: 1})
	require.NoError(t, err)
	b, err := f.For(Identity{Key: "b"}, Limit{Rate: 2, Period: 5})
	require.NoError(t, err)

	assert.Same(t, logger, a.logger, "no per-identity child logger")
	assert.Same(t, a.logger, b.logger)
	assert.Equal(t, a.clock, b.clock)
	assert.Equal(t, a.recorder, b.recorder)
	assert.Equal(t, int64(7), b.Now())
	assert.Equal(t, Identity{Key: "b"}, b.Identity())
}

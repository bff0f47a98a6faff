package limiter

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FixedWindowLimiter applies fixed-window limits to many identities that share
// one Store. It reads "now" from its Clock, so Allow needs no timestamp.
type FixedWindowLimiter struct {
	store    Store
	opts     options
	clock    Clock
	recorder MetricsRecorder
	logger   *zap.Logger
}

// NewFixedWindowLimiter returns a RateLimiter over store. WithClock,
// WithRecorder and WithLogger apply to it and to every per-identity Limiter
// it creates.
func NewFixedWindowLimiter(store Store, opts ...Option) *FixedWindowLimiter {
	o := newOptions(opts)
	return &FixedWindowLimiter{
		store:    store,
		opts:     o,
		clock:    o.clock,
		recorder: o.recorder,
		logger:   o.logger,
	}
}

// Allow admits one hit for id under limit.
func (f *FixedWindowLimiter) Allow(ctx context.Context, id Identity, limit Limit) (Decision, error) {
	return f.AllowN(ctx, id, limit, 1)
}

// AllowN admits up to n hits for id under limit. Decision.Admitted may be
// less than n when the window is nearly exhausted.
func (f *FixedWindowLimiter) AllowN(ctx context.Context, id Identity, limit Limit, n int64) (Decision, error) {
	began := time.Now()
	tags := map[string]string{"namespace": string(id.Namespace)}
	f.recorder.Add(MetricCall, 1, tags)
	defer func() {
		f.recorder.Observe(MetricLatency, time.Since(began).Seconds(), tags)
	}()

	l, err := f.For(id, limit)
	if err != nil {
		f.recorder.Add(MetricError, 1, tags)
		return Decision{}, err
	}

	d, err := l.Take(ctx, f.clock.Now(), n)
	if err != nil {
		f.recorder.Add(MetricError, 1, tags)
		f.logger.Warn("rate limit check failed", zap.Stringer("identity", id), zap.Error(err))
		return Decision{}, err
	}

	if d.Allow {
		f.recorder.Add(MetricAllowed, float64(d.Admitted), tags)
	} else {
		f.recorder.Add(MetricDenied, 1, tags)
	}
	return d, nil
}

// For returns the Limiter of a single identity. It shares the clock, recorder
// and logger of f.
func (f *FixedWindowLimiter) For(id Identity, limit Limit) (*Limiter, error) {
	return newLimiter(f.store, id, limit, f.opts)
}

// Now reads the limiter's clock.
func (f *FixedWindowLimiter) Now() int64 { return f.clock.Now() }

var _ RateLimiter = (*FixedWindowLimiter)(nil)

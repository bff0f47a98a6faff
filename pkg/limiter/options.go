package limiter

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultPrefix  = "limiter:"
	defaultTimeout = 5 * time.Second
	defaultShards  = 32
)

// Aligner maps a requested window start to the start a store persists.
type Aligner func(start int64) int64

// TruncateTo aligns window starts down to a multiple of unit, for example
// TruncateTo(3600) for whole hours when the clock counts seconds.
func TruncateTo(unit int64) Aligner {
	return func(start int64) int64 {
		if unit <= 0 {
			return start
		}
		r := start % unit
		if r < 0 {
			r += unit
		}
		return start - r
	}
}

type options struct {
	prefix   string
	timeout  time.Duration
	ttl      time.Duration
	shards   int
	recorder MetricsRecorder
	logger   *zap.Logger
	clock    Clock
	aligner  Aligner
}

// Option configures limiters and stores. Each constructor reads only the
// options that apply to it.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		prefix:   defaultPrefix,
		timeout:  defaultTimeout,
		shards:   defaultShards,
		recorder: &NoOpMetricsRecorder{},
		logger:   zap.NewNop(),
		clock:    UnixClock{Unit: time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPrefix sets the key prefix used by remote stores (default "limiter:").
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTimeout bounds every store round trip (default 5s). Zero disables the
// bound and leaves deadlines to the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithTTL makes remote stores expire idle state after d. Zero keeps state
// until it is reset or deleted.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithShards sets the number of lock shards of a MemoryStore.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

func WithRecorder(r MetricsRecorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the time source used when callers do not pass a timestamp.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithAligner makes a store align every window start it persists.
func WithAligner(a Aligner) Option {
	return func(o *options) { o.aligner = a }
}

// Package limiter provides local and distributed rate limiting based on fixed,
// non-overlapping time windows.
//
// The primary entry point is the RateLimiter interface:
//
//	dec, err := limiter.Allow(ctx, id, limit)
//
// The returned Decision contains whether the request is allowed, how many hits
// remain in the current window, and timing hints for callers that want to set
// rate-limit headers (for example, Retry-After).
//
// # Overview
//
// This package implements a fixed-window counter:
//
//   - Time is cut into windows [start, start+period).
//   - Each identity may consume at most Rate hits per window.
//   - When a window has elapsed the next call opens a fresh one with zero hits.
//
// Unlike token buckets, fixed windows do not smooth traffic: a client may use
// its whole budget at the end of one window and again at the start of the
// next. In exchange the state is a single (hits, startTime) pair that any
// storage backend can hold.
//
// # Core Types
//
// TimeWindow is a pure value answering positional questions about a window
// relative to a timestamp: IsElapsed, IsFuture, IsActive and TimeToNext.
//
// Limiter is the state machine for one identity:
//
//   - Hits, TimeToWait and StartTime report usage at a timestamp.
//   - Inc and IncN admit hits; admission saturates, so asking for 5 hits when
//     only 2 remain admits 2.
//   - Reset forcibly opens a new window.
//
// Every operation re-reads the persisted state, rolls the window over when the
// timestamp lies outside it (a timestamp before the window start counts as
// outside), and only then decides. There is no background timer.
//
// Limit defines the policy: Rate hits per Period. Period is expressed in the
// unit of the Clock in use, commonly seconds.
//
// Identity defines "who" is being rate-limited. It is split into:
//
//   - Namespace: a logical grouping (for example, "user", "ip", "api_key")
//   - Key: the identifier within that namespace (for example, "user_123")
//
// # Decision Semantics
//
//   - Allow is true when at least one hit was admitted.
//   - Admitted is the number of hits consumed; it may be less than requested.
//   - Remaining is what is left in the window after this call.
//   - ResetAt is the end of the current window.
//   - RetryAfter is 0 when allowed, even if this call used up the window.
//     When denied because the window is exhausted, it is the time until the
//     next window starts.
//
// # Time
//
// Limiter methods take an explicit integer timestamp, which makes the window
// arithmetic deterministic and testable. FixedWindowLimiter reads the
// timestamp from a Clock instead: UnixClock for wall time in a chosen unit,
// ManualClock for synthetic time in tests.
//
// # Backends
//
// The Store interface is the whole persistence contract: ReadState,
// ResetState, RenewState and IncrementHits. The package provides:
//
//   - MemoryStore: an in-process store backed by sharded Go maps. This is
//     useful for unit tests, local development, and single-instance
//     deployments.
//
//   - RedisStore: a distributed store backed by Redis. Renewals and increments
//     run as Lua scripts so they are atomic across application instances.
//
// The sqlstore subpackage adds SQLite and PostgreSQL stores.
//
// # Concurrency
//
// Limiter holds no state between calls and defines no locking of its own.
// Two store operations carry the state the limiter last read:
//
//   - RenewState replaces an elapsed window only if it is still the one the
//     limiter saw. Callers racing at a window boundary therefore open a single
//     new window; the losers adopt it, hits included.
//   - IncrementHits applies Admissible atomically, subtracting hits that
//     concurrent writers consumed in the meantime.
//
// Together they keep the stored hit count at or below Rate. Reset is the
// exception: it zeroes the window unconditionally.
//
// # Context and Error Policy
//
// All operations accept a context.Context which stores pass through to I/O so
// callers can enforce deadlines.
//
// This package does not impose a "fail open" vs "fail closed" policy. If the
// store is unavailable or the context expires, the call returns a non-nil error
// and the caller decides. Capacity exhaustion is never an error: it is a
// Decision with Allow false, or 0 admitted hits.
//
// ErrNoStartTime is the one configuration error: a store whose reset yields no
// usable window start (for example an aligner coarser than the period).
// ErrRenewContention reports a rollover that kept losing to writers whose
// clocks disagree with the caller's; it is safe to retry.
//
// # Configuration
//
// Limiters and stores are configured using the Functional Options pattern:
//
//	store, _ := NewRedisStore(client,
//		WithPrefix("myapp:rate:"),
//		WithTimeout(2*time.Second),
//		WithTTL(time.Hour),
//	)
//	rl := NewFixedWindowLimiter(store,
//		WithRecorder(myMetrics),
//		WithLogger(logger),
//	)
//
// Supported options:
//
//   - WithPrefix(string): Sets the Redis key prefix (default "limiter:").
//   - WithTimeout(time.Duration): Bounds each store round trip (default 5s).
//   - WithTTL(time.Duration): Expires idle Redis state.
//   - WithShards(int): Lock shards of a MemoryStore (default 32).
//   - WithAligner(Aligner): Aligns every persisted window start.
//   - WithClock(Clock): Time source of FixedWindowLimiter.
//   - WithRecorder(MetricsRecorder): Injects a custom metrics backend.
//   - WithLogger(*zap.Logger): Structured logging (default no-op).
package limiter

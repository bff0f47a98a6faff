package limiter

import (
	"context"
)

type Namespace string

// Limit is a fixed-window policy: at most Rate hits per Period clock units.
type Limit struct {
	Rate   int64
	Period int64
}

func (l Limit) validate() error {
	if l.Rate <= 0 {
		return ErrInvalidLimit
	}
	if l.Period <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// Decision is the outcome of a single admission attempt. All times are in
// clock units.
type Decision struct {
	Allow      bool
	Admitted   int64
	Remaining  int64
	RetryAfter int64
	ResetAt    int64
}

type Identity struct {
	Namespace Namespace
	Key       string
}

func (id Identity) String() string {
	return string(id.Namespace) + ":" + id.Key
}

// State is the persisted part of a limiter: hits admitted in the window that
// starts at StartTime.
type State struct {
	Hits      int64
	StartTime int64
}

// Store holds the (hits, startTime) pair of every limiter identity.
//
// The core never caches state between calls; a Store is the source of truth
// and is solely responsible for serializing concurrent writers.
type Store interface {
	// ReadState returns the persisted state of id. found is false when no
	// state exists yet.
	ReadState(ctx context.Context, id Identity) (st State, found bool, err error)

	// ResetState starts a new window with zero hits. The returned start time
	// may be aligned (for example down to a whole hour) and becomes the
	// authoritative start of the window.
	ResetState(ctx context.Context, id Identity, startTime int64) (int64, error)

	// RenewState replaces the stale window the limiter read with a new one
	// starting at startTime (aligned like ResetState), but only if the stored
	// state is still stale: absent, or starting at stale.StartTime. A nil
	// stale means the limiter found no state. When another writer renewed
	// first, RenewState leaves its window alone and returns it with renewed
	// set to false.
	RenewState(ctx context.Context, id Identity, stale *State, startTime int64) (current State, renewed bool, err error)

	// IncrementHits adds up to n hits to the window last observed as last and
	// returns how many were actually consumed. It never consumes more than n.
	IncrementHits(ctx context.Context, id Identity, last State, n int64) (int64, error)
}

// Renewable reports whether a window renewal expecting stale may replace
// current. Stores evaluate it atomically with the write. A window someone
// else created after the limiter found nothing, or a window with a different
// start, has already been renewed.
func Renewable(stale *State, current State, found bool) bool {
	if !found {
		return true
	}
	return stale != nil && stale.StartTime == current.StartTime
}

type RateLimiter interface {
	Allow(ctx context.Context, id Identity, limit Limit) (Decision, error)
}

// Admissible is the contention rule every Store applies atomically when it
// increments: given the state the limiter read (last), the state currently
// stored (current) and the sanitized increment n, it returns how many hits may
// be consumed. Hits admitted by concurrent writers since last are subtracted,
// and a window restarted by someone else admits nothing.
func Admissible(last, current State, n int64) int64 {
	if n <= 0 || current.StartTime != last.StartTime {
		return 0
	}
	if raced := current.Hits - last.Hits; raced > 0 {
		n -= raced
	}
	if n < 0 {
		return 0
	}
	return n
}

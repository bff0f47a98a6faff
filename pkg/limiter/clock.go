package limiter

import (
	"sync"
	"time"
)

// Clock supplies "now" in the same integer unit as Limit.Period.
type Clock interface {
	Now() int64
}

// UnixClock reads the wall clock and expresses it as whole Units since the
// Unix epoch. A zero Unit means seconds.
type UnixClock struct {
	Unit time.Duration
}

func (c UnixClock) Now() int64 {
	unit := c.Unit
	if unit <= 0 {
		unit = time.Second
	}
	return time.Now().UnixNano() / int64(unit)
}

// ManualClock is a synthetic clock for tests and simulations. Time only moves
// when Set or Advance is called, so window rollover can be exercised without
// sleeping.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(ts int64) {
	c.mu.Lock()
	c.now = ts
	c.mu.Unlock()
}

// Advance moves the clock forward by d units and returns the new time.
func (c *ManualClock) Advance(d int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}

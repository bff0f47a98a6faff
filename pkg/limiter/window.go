package limiter

// TimeWindow is the half-open interval [StartTime, StartTime+Period).
//
// Relative to a reference timestamp a window is either elapsed, active or
// future. Consecutive windows of one limiter never overlap: the end of one
// window is the start of the next.
//
// The zero value is a window of zero length starting at 0; callers are
// expected to supply a positive period.
type TimeWindow struct {
	start  int64
	period int64
}

// NewTimeWindow returns the window starting at start and lasting period units.
func NewTimeWindow(start, period int64) TimeWindow {
	return TimeWindow{start: start, period: period}
}

func (w TimeWindow) StartTime() int64 { return w.start }

func (w TimeWindow) Period() int64 { return w.period }

// EndTime is the start of the next window.
func (w TimeWindow) EndTime() int64 { return w.start + w.period }

// IsElapsed reports whether ts is at or after the end of the window.
func (w TimeWindow) IsElapsed(ts int64) bool { return ts >= w.EndTime() }

// IsFuture reports whether ts is before the start of the window.
func (w TimeWindow) IsFuture(ts int64) bool { return ts < w.start }

// IsActive reports whether StartTime <= ts < EndTime.
func (w TimeWindow) IsActive(ts int64) bool {
	return !w.IsElapsed(ts) && !w.IsFuture(ts)
}

// TimeToNext returns EndTime - ts. The result is >= 0 for an active or future
// window and negative once the window has elapsed, so that
// EndTime() == ts + TimeToNext(ts) holds for every ts.
func (w TimeWindow) TimeToNext(ts int64) int64 { return w.EndTime() - ts }

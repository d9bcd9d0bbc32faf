// Package elapsed accounts for the active duration of a run across pause and
// resume cycles. Elapsed time is derived from wall-clock deltas, so it stays
// correct while periodic callbacks are not firing.
package elapsed

import "time"

// Tracker is not safe for concurrent use; its owner serializes access.
type Tracker struct {
	accumulated time.Duration
	activeSince time.Time
	running     bool
}

// Start begins accruing time from now. It is a no-op while already running.
func (t *Tracker) Start(now time.Time) {
	if t.running {
		return
	}
	t.activeSince = now
	t.running = true
}

// Pause folds the current interval into the accumulated total.
func (t *Tracker) Pause(now time.Time) {
	if !t.running {
		return
	}
	t.accumulated += since(t.activeSince, now)
	t.activeSince = time.Time{}
	t.running = false
}

// Stop clears the accumulated total and the active marker.
func (t *Tracker) Stop() {
	t.accumulated = 0
	t.activeSince = time.Time{}
	t.running = false
}

func (t *Tracker) Elapsed(now time.Time) time.Duration {
	if !t.running {
		return t.accumulated
	}
	return t.accumulated + since(t.activeSince, now)
}

func (t *Tracker) Accumulated() time.Duration {
	return t.accumulated
}

func (t *Tracker) ActiveSince() (time.Time, bool) {
	return t.activeSince, t.running
}

func (t *Tracker) Running() bool {
	return t.running
}

// Restore replaces the tracker state, e.g. from a persisted snapshot.
// A zero activeSince restores a paused tracker.
func (t *Tracker) Restore(accumulated time.Duration, activeSince time.Time) {
	if accumulated < 0 {
		accumulated = 0
	}
	t.accumulated = accumulated
	t.activeSince = activeSince
	t.running = !activeSince.IsZero()
}

// since clamps backwards clock jumps to zero.
func since(start, now time.Time) time.Duration {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

package session

import (
	"time"

	"kaitag-ally/internal/timeutil"
)

// throttle spaces sends on one channel at least interval apart. The first
// request goes out immediately; requests inside the interval arm a single
// trailing send at last+interval so the newest value is not lost.
type throttle struct {
	interval time.Duration
	last     time.Time
	sent     bool
	trailing *timeutil.Handle
}

// allow records a send at now if the interval has elapsed. Otherwise it
// returns how long until the next send may go.
func (t *throttle) allow(now time.Time) (bool, time.Duration) {
	if !t.sent || now.Sub(t.last) >= t.interval {
		t.last = now
		t.sent = true
		return true, 0
	}
	return false, t.interval - now.Sub(t.last)
}

// force records a send at now regardless of the interval.
func (t *throttle) force(now time.Time) {
	t.last = now
	t.sent = true
}

func (t *throttle) reset() {
	t.trailing.Cancel()
	t.trailing = nil
	t.sent = false
	t.last = time.Time{}
}

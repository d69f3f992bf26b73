package timeutil

import (
	"sync"
	"time"
)

// Scheduler hands out cancellable timer handles on a Clock and can cancel
// all of them at once on teardown.
//
// A cancelled or closed handle never runs its callback, even when the
// underlying timer already fired and is waiting on the scheduler lock.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Handle
	closed  bool
}

// Handle is a single scheduled call. Cancel is idempotent.
type Handle struct {
	s     *Scheduler
	id    uint64
	timer Timer
}

func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{clock: clock, pending: make(map[uint64]*Handle)}
}

// Clock returns the clock the scheduler runs on.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// After schedules f to run once after d. It returns nil when the scheduler
// is closed.
func (s *Scheduler) After(d time.Duration, f func()) *Handle {
	if s == nil || f == nil {
		return nil
	}
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.nextID++
	h := &Handle{s: s, id: s.nextID}
	s.pending[h.id] = h
	s.mu.Unlock()

	t := s.clock.AfterFunc(d, func() {
		if !s.take(h.id) {
			return
		}
		f()
	})

	s.mu.Lock()
	if _, ok := s.pending[h.id]; ok {
		h.timer = t
	}
	s.mu.Unlock()
	return h
}

// take removes id from the pending set and reports whether it was there.
func (s *Scheduler) take(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// Pending returns the number of scheduled calls that have not run yet.
func (s *Scheduler) Pending() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CancelAll cancels every pending call but keeps the scheduler usable.
func (s *Scheduler) CancelAll() {
	if s == nil {
		return
	}
	s.mu.Lock()
	timers := make([]Timer, 0, len(s.pending))
	for id, h := range s.pending {
		if h.timer != nil {
			timers = append(timers, h.timer)
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// Close cancels every pending call and rejects new ones.
func (s *Scheduler) Close() {
	if s == nil {
		return
	}
	s.CancelAll()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Cancel stops the call if it has not run yet. It reports whether the call
// was still pending. Safe on a nil handle.
func (h *Handle) Cancel() bool {
	if h == nil || h.s == nil {
		return false
	}
	h.s.mu.Lock()
	_, ok := h.s.pending[h.id]
	delete(h.s.pending, h.id)
	t := h.timer
	h.s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	return ok
}

// Pending reports whether the call is still scheduled.
func (h *Handle) Pending() bool {
	if h == nil || h.s == nil {
		return false
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	_, ok := h.s.pending[h.id]
	return ok
}

package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kaitag-ally/internal/location"
	"kaitag-ally/internal/timeutil"
)

type WalkerConfig struct {
	// Track is used unless Scenario is set.
	Track    Track
	Scenario *Scenario
	Loop     bool

	Interval time.Duration // fix rate, default 1s
	Clock    timeutil.Clock
}

// Walker is a location.Source that replays a Track or Scenario.
type Walker struct {
	cfg   WalkerConfig
	clock timeutil.Clock
	sched *timeutil.Scheduler

	mu      sync.Mutex
	start   time.Time
	running bool
	onFix   func(location.Fix)
	tick    *timeutil.Handle
	stop    func() bool
}

var _ location.Source = (*Walker)(nil)

func NewWalker(cfg WalkerConfig) *Walker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Walker{
		cfg:   cfg,
		clock: cfg.Clock,
		sched: timeutil.NewScheduler(cfg.Clock),
		start: cfg.Clock.Now(),
	}
}

// PoseAt returns the walker's pose at now.
func (w *Walker) PoseAt(now time.Time) Pose {
	if w.cfg.Scenario != nil {
		w.mu.Lock()
		start := w.start
		w.mu.Unlock()
		return w.cfg.Scenario.PoseAt(now.Sub(start), w.cfg.Loop)
	}
	return w.cfg.Track.PoseAt(now)
}

// HeadingAt is PoseAt(now).HeadingDeg, handy as a simulated tag heading.
func (w *Walker) HeadingAt(now time.Time) float64 {
	return w.PoseAt(now).HeadingDeg
}

// Start emits a fix immediately and then every Interval until ctx is done
// or Close is called.
func (w *Walker) Start(ctx context.Context, onFix func(location.Fix)) error {
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if onFix == nil {
		onFix = func(location.Fix) {}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true
	w.start = w.clock.Now()
	w.onFix = onFix
	w.tick = w.sched.After(0, w.emit)
	w.stop = context.AfterFunc(ctx, func() { _ = w.Close() })
	return nil
}

func (w *Walker) emit() {
	now := w.clock.Now()
	p := w.PoseAt(now)

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	fn := w.onFix
	w.tick = w.sched.After(w.cfg.Interval, w.emit)
	w.mu.Unlock()

	fn(location.Fix{
		Lat:                 p.Lat,
		Lon:                 p.Lon,
		SpeedMS:             p.SpeedMS,
		HorizontalAccuracyM: p.AccuracyM,
		Timestamp:           now.UTC(),
	})
}

func (w *Walker) Close() error {
	w.mu.Lock()
	w.running = false
	w.tick.Cancel()
	w.tick = nil
	stop := w.stop
	w.stop = nil
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

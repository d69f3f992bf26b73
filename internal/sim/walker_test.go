package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"kaitag-ally/internal/location"
	"kaitag-ally/internal/timeutil"
)

type fixLog struct {
	mu    sync.Mutex
	fixes []location.Fix
}

func (l *fixLog) add(f location.Fix) {
	l.mu.Lock()
	l.fixes = append(l.fixes, f)
	l.mu.Unlock()
}

func (l *fixLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fixes)
}

func TestWalker_EmitsOnInterval(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	scn, err := NewScenario(ScenarioScript{Keyframes: []Keyframe{
		{T: 0, LatDeg: 0, LonDeg: 0, HeadingDeg: 0},
		{T: 10 * time.Second, LatDeg: 10, LonDeg: 0, HeadingDeg: 90},
	}})
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	w := NewWalker(WalkerConfig{Scenario: scn, Interval: time.Second, Clock: clock})

	var log fixLog
	if err := w.Start(context.Background(), log.add); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(0)
	if log.len() != 1 {
		t.Fatalf("fixes=%d, want immediate fix", log.len())
	}
	clock.Advance(5 * time.Second)
	if log.len() != 6 {
		t.Fatalf("fixes=%d", log.len())
	}
	last := log.fixes[len(log.fixes)-1]
	if last.Lat != 5 || !last.Timestamp.Equal(clock.Now().UTC()) {
		t.Fatalf("last fix=%+v", last)
	}
	if h := w.HeadingAt(clock.Now()); h != 45 {
		t.Fatalf("heading=%v", h)
	}

	_ = w.Close()
	clock.Advance(5 * time.Second)
	if log.len() != 6 {
		t.Fatalf("fix after Close")
	}
}

func TestWalker_StopsOnContextCancel(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	w := NewWalker(WalkerConfig{Track: Track{CenterLat: 1, CenterLon: 2}, Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())

	var log fixLog
	_ = w.Start(ctx, log.add)
	clock.Advance(0)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for clock.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("walker still scheduled after cancel")
		}
		time.Sleep(time.Millisecond)
	}
	clock.Advance(time.Minute)
	if log.len() != 1 {
		t.Fatalf("fixes=%d", log.len())
	}
}

package main

import (
	"context"
	"testing"
	"time"

	"kaitag-ally/internal/config"
	"kaitag-ally/internal/protocol"
	"kaitag-ally/internal/registry"
	"kaitag-ally/internal/timeutil"
)

func newTestRegistry(clock timeutil.Clock) *registry.Registry {
	return registry.New(registry.Config{StaleAfter: 30 * time.Second, SweepInterval: time.Hour, Clock: clock})
}

func demoConfig() config.DemoPeersConfig {
	return config.DemoPeersConfig{
		Enable:       true,
		Count:        3,
		Team:         "red",
		CenterLatDeg: 37,
		CenterLonDeg: -122,
		RadiusM:      100,
		Period:       time.Minute,
		Interval:     time.Second,
	}
}

func TestDemoPeers_StepRegistersAndMoves(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	reg := newTestRegistry(clock)
	defer reg.Close()
	d := newDemoPeers(reg, demoConfig())

	now := clock.Now()
	d.step(now)
	snap := reg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("clients=%d want 3", len(snap))
	}
	first := snap.Clone()
	for id, st := range snap {
		if st.Team != protocol.TeamRed || !st.KaiTagConnected {
			t.Fatalf("peer %s=%+v", id, st)
		}
		if st.Lat == 0 || st.Lon == 0 {
			t.Fatalf("peer %s has no position", id)
		}
	}

	d.step(now.Add(10 * time.Second))
	snap = reg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("step must reuse ids, clients=%d", len(snap))
	}
	for id, st := range snap {
		if st.Lat == first[id].Lat && st.Lon == first[id].Lon {
			t.Fatalf("peer %s did not move", id)
		}
	}
	if got := d.Snapshot(); got.Updates != 6 || len(got.IDs) != 3 {
		t.Fatalf("snapshot=%+v", got)
	}
}

func TestDemoPeers_ReRegistersAfterSweep(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	reg := newTestRegistry(clock)
	defer reg.Close()
	d := newDemoPeers(reg, demoConfig())

	d.step(clock.Now())
	clock.Advance(time.Minute)
	reg.Sweep(clock.Now())
	if reg.Len() != 0 {
		t.Fatalf("expected sweep to evict the demo peers")
	}

	d.step(clock.Now()) // notices the eviction
	d.step(clock.Now()) // takes fresh slots
	if reg.Len() != 3 {
		t.Fatalf("clients=%d want 3", reg.Len())
	}
}

func TestDemoPeers_RunUnregistersOnCancel(t *testing.T) {
	reg := newTestRegistry(timeutil.RealClock{})
	defer reg.Close()
	d := newDemoPeers(reg, demoConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("demo peers never registered")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if reg.Len() != 0 {
		t.Fatalf("clients=%d after cancel", reg.Len())
	}
}

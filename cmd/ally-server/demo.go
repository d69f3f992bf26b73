package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"kaitag-ally/internal/config"
	"kaitag-ally/internal/protocol"
	"kaitag-ally/internal/registry"
	"kaitag-ally/internal/sim"
)

// demoPeers keeps a squad of simulated clients moving in the registry.
type demoPeers struct {
	reg      *registry.Registry
	squad    sim.Squad
	team     protocol.Team
	count    int
	interval time.Duration

	mu      sync.Mutex
	ids     []string
	updates uint64
}

type demoSnapshot struct {
	Team    string   `json:"team"`
	IDs     []string `json:"ids"`
	Updates uint64   `json:"updates"`
}

func newDemoPeers(reg *registry.Registry, cfg config.DemoPeersConfig) *demoPeers {
	team, err := protocol.ParseTeam(cfg.Team)
	if err != nil {
		team = protocol.TeamRed
	}
	return &demoPeers{
		reg: reg,
		squad: sim.Squad{
			CenterLat: cfg.CenterLatDeg,
			CenterLon: cfg.CenterLonDeg,
			RadiusM:   cfg.RadiusM,
			Period:    cfg.Period,
		},
		team:     team,
		count:    cfg.Count,
		interval: cfg.Interval,
		ids:      make([]string, cfg.Count),
	}
}

// Run updates every peer each interval until ctx is done, then unregisters
// them.
func (d *demoPeers) Run(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	log.Printf("demo peers enabled count=%d team=%s interval=%s", d.count, d.team, d.interval)

	d.step(time.Now())
	for {
		select {
		case <-ctx.Done():
			d.stop()
			return
		case now := <-t.C:
			d.step(now)
		}
	}
}

func (d *demoPeers) step(now time.Time) {
	poses := d.squad.Poses(now, d.count)

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range poses {
		if d.ids[i] == "" {
			d.ids[i], _ = d.reg.Register()
		}
		lat, lon, bearing := p.Lat, p.Lon, p.HeadingDeg
		team := d.team
		tag := true
		_, err := d.reg.UpdateState(d.ids[i], protocol.StateUpdate{
			Lat:             &lat,
			Lon:             &lon,
			Bearing:         &bearing,
			Team:            &team,
			KaiTagConnected: &tag,
		})
		if errors.Is(err, protocol.ErrUnknownClient) {
			// Swept while we were stalled; take a fresh slot next step.
			d.ids[i] = ""
			continue
		}
		if err != nil {
			log.Printf("demo peer update id=%s failed: %v", d.ids[i], err)
			continue
		}
		d.updates++
	}
}

func (d *demoPeers) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, id := range d.ids {
		if id != "" {
			d.reg.Unregister(id)
		}
		d.ids[i] = ""
	}
}

func (d *demoPeers) Snapshot() demoSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.ids))
	for _, id := range d.ids {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return demoSnapshot{Team: string(d.team), IDs: ids, Updates: d.updates}
}

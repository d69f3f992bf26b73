package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"kaitag-ally/internal/ble"
	"kaitag-ally/internal/config"
	"kaitag-ally/internal/gps"
	"kaitag-ally/internal/location"
	"kaitag-ally/internal/protocol"
	"kaitag-ally/internal/replay"
	"kaitag-ally/internal/sensor"
	"kaitag-ally/internal/session"
	"kaitag-ally/internal/sim"
	"kaitag-ally/internal/syncclient"
	"kaitag-ally/internal/udp"
	"kaitag-ally/internal/web"
)

// clientRuntime owns every long-lived component of one client agent.
type clientRuntime struct {
	cfg    config.Config
	status *web.Status

	link     *sensor.Link
	bleRadio *ble.Adapter
	simTag   *sim.Tag
	replayTr *replay.Transport
	recorder *replay.Writer

	gpsSvc *gps.Service
	walker *sim.Walker
	source location.Source

	feedOut *udp.Broadcaster
	feed    *udp.Feed

	sess    *session.Session
	heading *web.HeadingBroadcaster

	unsubscribe []func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func newClientRuntime(cfg config.Config, status *web.Status) (*clientRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("status is nil")
	}
	r := &clientRuntime{cfg: c, status: status}

	if err := r.initLocation(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.initSensor(); err != nil {
		r.Close()
		return nil, err
	}

	api, err := syncclient.New(syncclient.Config{
		BaseURL: c.Client.ServerURL,
		Prefix:  c.Client.Prefix,
		Timeout: c.Client.RequestTimeout,
		H2C:     c.Client.H2C,
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	renderers := []session.Renderer{session.RendererFunc(teammateLogger())}
	if c.UDP.Enable {
		out, err := udp.NewBroadcaster(c.UDP.Dest)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("udp feed: %w", err)
		}
		r.feedOut = out
		r.feed = udp.NewFeed(out)
		renderers = append(renderers, r.feed)
	}

	r.sess = session.New(session.Config{
		RetryDelay:       c.Client.RetryDelay,
		PollInterval:     c.Client.PollInterval,
		PositionInterval: c.Client.PositionInterval,
		BearingInterval:  c.Client.BearingInterval,
		RequestTimeout:   c.Client.RequestTimeout,
		KeepAlive:        c.Client.KeepAlive,
	}, api, session.RendererFunc(func(v session.View) {
		for _, rr := range renderers {
			rr.Render(v)
		}
	}))

	team, _ := protocol.ParseTeam(c.Client.Team)
	if err := r.sess.SelectTeam(team); err != nil {
		r.Close()
		return nil, err
	}
	r.sess.SetTagConnected(false)
	if r.link != nil {
		r.heading = web.NewHeadingBroadcaster()
		r.unsubscribe = append(r.unsubscribe,
			r.link.Subscribe(r.sess.OnOrientationChanged),
			r.link.Subscribe(r.heading.OnOrientation))
	}

	r.provideStatus()
	return r, nil
}

func (r *clientRuntime) initLocation() error {
	c := r.cfg
	switch {
	case c.GPS.Enable:
		r.gpsSvc = gps.New(gps.Config{
			Enable:     true,
			Source:     c.GPS.Source,
			GPSDAddr:   c.GPS.GPSDAddr,
			Device:     c.GPS.Device,
			Baud:       c.GPS.Baud,
			StaleAfter: c.GPS.StaleAfter,
		})
		r.source = r.gpsSvc
	case c.Sim.Walk.Enable:
		wc := sim.WalkerConfig{
			Track: sim.Track{
				CenterLat: c.Sim.Walk.CenterLatDeg,
				CenterLon: c.Sim.Walk.CenterLonDeg,
				RadiusM:   c.Sim.Walk.RadiusM,
				Period:    c.Sim.Walk.Period,
			},
			Loop:     c.Sim.Walk.Loop,
			Interval: c.Sim.Walk.Interval,
		}
		if c.Sim.Walk.ScenarioPath != "" {
			script, err := sim.LoadScenarioScript(c.Sim.Walk.ScenarioPath)
			if err != nil {
				return fmt.Errorf("scenario load: %w", err)
			}
			sc, err := sim.NewScenario(script)
			if err != nil {
				return fmt.Errorf("scenario %s: %w", c.Sim.Walk.ScenarioPath, err)
			}
			wc.Scenario = sc
		}
		r.walker = sim.NewWalker(wc)
		r.source = r.walker
	}
	return nil
}

func (r *clientRuntime) initSensor() error {
	c := r.cfg
	if c.Sensor.Mode == "none" {
		return nil
	}
	r.link = sensor.New(sensor.Config{
		DeviceName:     c.Sensor.DeviceName,
		ReconnectDelay: c.Sensor.ReconnectDelay,
		ScanTimeout:    c.Sensor.ScanTimeout,
	})

	switch c.Sensor.Mode {
	case "ble":
		r.bleRadio = ble.New(ble.Config{}, r.link)
		r.link.SetTransport(r.bleRadio)
	case "sim":
		tc := sim.TagConfig{Name: c.Sensor.DeviceName, Rate: c.Sim.Tag.Rate}
		if c.Sim.Tag.FollowWalk && r.walker != nil {
			tc.Heading = r.walker.HeadingAt
		}
		r.simTag = sim.NewTag(tc, r.link)
		r.link.SetTransport(r.simTag)
	case "replay":
		recs, err := replay.LoadFile(c.Replay.Path)
		if err != nil {
			return err
		}
		tr, err := replay.NewTransport(replay.TransportConfig{
			Records: recs,
			Speed:   c.Replay.Speed,
			Loop:    c.Replay.Loop,
			Name:    c.Sensor.DeviceName,
		}, r.link)
		if err != nil {
			return fmt.Errorf("replay %s: %w", c.Replay.Path, err)
		}
		r.replayTr = tr
		r.link.SetTransport(tr)
	}

	if c.Sensor.Record.Enable {
		w, err := replay.CreateWriter(c.Sensor.Record.Path)
		if err != nil {
			return fmt.Errorf("record: %w", err)
		}
		r.recorder = w
		r.link.OnRawFrame(w.Hook())
		log.Printf("sensor recording path=%s", c.Sensor.Record.Path)
	}
	return nil
}

func (r *clientRuntime) provideStatus() {
	st := r.status
	st.SetStatic("server_url", r.cfg.Client.ServerURL)
	st.SetStatic("sensor_mode", r.cfg.Sensor.Mode)
	st.Provide("session", func() any { return r.sess.Handle() })
	if r.link != nil {
		st.Provide("sensor", func() any { return r.link.Snapshot() })
	}
	if r.gpsSvc != nil {
		st.Provide("gps", func() any { return r.gpsSvc.Snapshot() })
	}
	if r.recorder != nil {
		st.Provide("record", func() any {
			return map[string]any{"path": r.cfg.Sensor.Record.Path, "frames": r.recorder.Frames()}
		})
	}
	if r.feed != nil {
		st.Provide("udp", func() any {
			return map[string]any{"dest": r.feedOut.Dest(), "sent": r.feed.Sent(), "bytes": r.feedOut.BytesSent()}
		})
	}
}

// Start powers the transport, starts the location source and connects the
// session. Component failures are logged and leave the agent running.
func (r *clientRuntime) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	if r.source != nil {
		if err := r.source.Start(ctx, r.sess.OnLocationChanged); err != nil {
			// Keep the agent running even if the location source fails.
			log.Printf("location init failed: %v", err)
		}
	}

	if r.link != nil {
		switch {
		case r.bleRadio != nil:
			if err := r.bleRadio.Enable(); err != nil {
				log.Printf("ble init failed: %v", err)
			}
		case r.simTag != nil:
			r.simTag.SetPowered(true)
		case r.replayTr != nil:
			r.replayTr.PowerOn()
		}
		if err := r.link.Connect(); err != nil {
			// The link starts scanning once the radio reports powered on.
			log.Printf("sensor connect deferred: %v", err)
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.trackTag(ctx, time.Second)
		}()
	}

	r.sess.Connect()
	return nil
}

// trackTag mirrors the link state into the session's kaiTagConnected flag.
func (r *clientRuntime) trackTag(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		r.sess.SetTagConnected(r.link.State() == sensor.StateStreaming)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close tears everything down in reverse order. The session unregisters
// best-effort first so the server drops us immediately.
func (r *clientRuntime) Close() {
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.sess != nil {
			r.sess.Close()
		}
		for _, unsub := range r.unsubscribe {
			unsub()
		}
		if r.source != nil {
			_ = r.source.Close()
		}
		if r.link != nil {
			r.link.Close()
		}
		if r.simTag != nil {
			r.simTag.Close()
		}
		if r.replayTr != nil {
			r.replayTr.Close()
		}
		if r.recorder != nil {
			if err := r.recorder.Close(); err != nil {
				log.Printf("record close: %v", err)
			}
		}
		if r.feedOut != nil {
			_ = r.feedOut.Close()
		}
		r.wg.Wait()
	})
}

// teammateLogger logs when the visible squad changes size.
func teammateLogger() func(session.View) {
	last := -1
	return func(v session.View) {
		if len(v.Peers) == last && len(v.Removed) == 0 {
			return
		}
		last = len(v.Peers)
		log.Printf("session teammates team=%s count=%d removed=%d", v.Team, len(v.Peers), len(v.Removed))
	}
}

package sim

import (
	"errors"
	"math"
	"testing"
	"time"

	"kaitag-ally/internal/sensor"
	"kaitag-ally/internal/timeutil"
)

func newSimLink(t *testing.T, cfg TagConfig) (*sensor.Link, *Tag, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	cfg.Clock = clock
	link := sensor.New(sensor.Config{Clock: clock})
	tag := NewTag(cfg, link)
	link.SetTransport(tag)
	t.Cleanup(func() {
		link.Close()
		tag.Close()
	})
	return link, tag, clock
}

func TestTag_StreamsHeading(t *testing.T) {
	link, tag, clock := newSimLink(t, TagConfig{Heading: func(time.Time) float64 { return 90 }})

	tag.SetPowered(true)
	if err := link.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if link.State() != sensor.StateScanning {
		t.Fatalf("state=%s", link.State())
	}
	clock.Advance(500 * time.Millisecond)

	if link.State() != sensor.StateStreaming {
		t.Fatalf("state=%s", link.State())
	}
	if tag.Frames() != 4 {
		t.Fatalf("frames=%d", tag.Frames())
	}
	deg, ok := link.Orientation().HeadingDeg()
	if !ok || math.Abs(deg-90) > 0.01 {
		t.Fatalf("heading=%v ok=%v", deg, ok)
	}
}

func TestTag_DefaultHeadingSpins(t *testing.T) {
	link, tag, clock := newSimLink(t, TagConfig{})
	tag.SetPowered(true)
	_ = link.Connect()
	clock.Advance(time.Second)
	first, _ := link.Orientation().HeadingDeg()
	clock.Advance(5 * time.Second)
	second, _ := link.Orientation().HeadingDeg()
	// 5s of a 20s turn.
	if d := sensor.NormalizeDeg(second - first); math.Abs(d-90) > 1 {
		t.Fatalf("heading moved %v, want ~90", d)
	}
}

func TestTag_DropLinkReconnectsOnce(t *testing.T) {
	link, tag, clock := newSimLink(t, TagConfig{})
	tag.SetPowered(true)
	_ = link.Connect()
	clock.Advance(time.Second)

	tag.DropLink()
	if link.State() != sensor.StateDisconnected || !link.ReconnectPending() {
		t.Fatalf("state=%s reconnect=%v", link.State(), link.ReconnectPending())
	}
	if !errors.Is(link.LastError(), ErrLinkLost) {
		t.Fatalf("last error=%v", link.LastError())
	}
	clock.Advance(4 * time.Second)
	if link.State() != sensor.StateDisconnected {
		t.Fatalf("reconnected early: %s", link.State())
	}
	clock.Advance(2 * time.Second)
	if link.State() != sensor.StateStreaming {
		t.Fatalf("state after reconnect=%s", link.State())
	}
}

func TestTag_MissingServiceFailsLink(t *testing.T) {
	link, tag, clock := newSimLink(t, TagConfig{HideService: true})
	tag.SetPowered(true)
	_ = link.Connect()
	clock.Advance(time.Second)

	if !errors.Is(link.LastError(), sensor.ErrServiceNotFound) {
		t.Fatalf("last error=%v", link.LastError())
	}
	if !link.ReconnectPending() {
		t.Fatalf("expected reconnect armed")
	}
	if tag.Frames() != 0 {
		t.Fatalf("frames=%d", tag.Frames())
	}
}

func TestTag_MissingCharacteristicFailsLink(t *testing.T) {
	link, tag, clock := newSimLink(t, TagConfig{HideCharacteristic: true})
	tag.SetPowered(true)
	_ = link.Connect()
	clock.Advance(time.Second)

	if !errors.Is(link.LastError(), sensor.ErrCharacteristicNotFound) {
		t.Fatalf("last error=%v", link.LastError())
	}
}

func TestTag_PowerOffStopsStream(t *testing.T) {
	link, tag, clock := newSimLink(t, TagConfig{})
	tag.SetPowered(true)
	_ = link.Connect()
	clock.Advance(time.Second)
	frames := tag.Frames()

	tag.SetPowered(false)
	clock.Advance(time.Second)
	if tag.Frames() != frames {
		t.Fatalf("frames kept flowing after power off")
	}
	if !errors.Is(link.LastError(), sensor.ErrTransportUnavailable) {
		t.Fatalf("last error=%v", link.LastError())
	}
	if err := tag.StartScan(); !errors.Is(err, sensor.ErrTransportUnavailable) {
		t.Fatalf("StartScan err=%v", err)
	}

	// Power back on resumes because the link still wants a connection.
	tag.SetPowered(true)
	clock.Advance(time.Second)
	if link.State() != sensor.StateStreaming {
		t.Fatalf("state=%s", link.State())
	}
}

func TestTag_IntentionalDisconnect(t *testing.T) {
	link, tag, clock := newSimLink(t, TagConfig{})
	tag.SetPowered(true)
	_ = link.Connect()
	clock.Advance(time.Second)

	link.Disconnect()
	clock.Advance(10 * time.Second)
	if link.State() != sensor.StateDisconnected || link.ReconnectPending() {
		t.Fatalf("state=%s reconnect=%v", link.State(), link.ReconnectPending())
	}
	if link.Orientation() != sensor.Identity {
		t.Fatalf("orientation=%+v", link.Orientation())
	}
}

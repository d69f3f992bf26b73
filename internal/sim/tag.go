package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"kaitag-ally/internal/sensor"
	"kaitag-ally/internal/timeutil"
)

// ErrLinkLost is reported to the link when DropLink simulates a radio
// dropout.
var ErrLinkLost = errors.New("sim: link lost")

// TagConfig controls the simulated KaiTag.
type TagConfig struct {
	Name string // advertised name, default sensor.DefaultDeviceName
	ID   string // default "sim-kaitag"

	// AdvertiseDelay is how long after StartScan the tag is discovered.
	AdvertiseDelay time.Duration // default 200ms
	// LatencyDelay delays every other GATT response.
	LatencyDelay time.Duration // default 20ms
	// Rate is the notification interval while subscribed.
	Rate time.Duration // default 50ms

	// Heading returns the tag heading at now. Default: one full turn every
	// 20s.
	Heading func(now time.Time) float64

	// Omit the service or characteristic from discovery results.
	HideService        bool
	HideCharacteristic bool

	Clock timeutil.Clock
}

// Tag is a sensor.Transport that behaves like a KaiTag on a powered radio.
// Events are delivered from scheduler callbacks, never from inside a
// Transport call.
type Tag struct {
	cfg    TagConfig
	sched  *timeutil.Scheduler
	clock  timeutil.Clock
	events sensor.Events
	self   sensor.Peripheral

	mu         sync.Mutex
	powered    bool
	scanning   bool
	connected  bool
	subscribed bool
	advertise  *timeutil.Handle
	notify     *timeutil.Handle
	frames     uint64
	start      time.Time
}

var _ sensor.Transport = (*Tag)(nil)

func NewTag(cfg TagConfig, events sensor.Events) *Tag {
	if cfg.Name == "" {
		cfg.Name = sensor.DefaultDeviceName
	}
	if cfg.ID == "" {
		cfg.ID = "sim-kaitag"
	}
	if cfg.AdvertiseDelay <= 0 {
		cfg.AdvertiseDelay = 200 * time.Millisecond
	}
	if cfg.LatencyDelay <= 0 {
		cfg.LatencyDelay = 20 * time.Millisecond
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 50 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	t := &Tag{
		cfg:    cfg,
		sched:  timeutil.NewScheduler(cfg.Clock),
		clock:  cfg.Clock,
		events: events,
		self:   sensor.Peripheral{ID: cfg.ID, Name: cfg.Name},
	}
	t.start = cfg.Clock.Now()
	if cfg.Heading == nil {
		t.cfg.Heading = t.spin
	}
	return t
}

func (t *Tag) spin(now time.Time) float64 {
	const period = 20 * time.Second
	elapsed := now.Sub(t.start) % period
	return 360 * float64(elapsed) / float64(period)
}

// SetPowered reports a radio power change to the link.
func (t *Tag) SetPowered(on bool) {
	t.mu.Lock()
	t.powered = on
	if !on {
		t.resetLocked()
	}
	t.mu.Unlock()

	state := sensor.TransportPoweredOff
	if on {
		state = sensor.TransportPoweredOn
	}
	t.events.OnTransportStateChanged(state)
}

// DropLink simulates an unsolicited disconnect.
func (t *Tag) DropLink() {
	t.mu.Lock()
	was := t.connected
	t.resetLocked()
	t.mu.Unlock()
	if was {
		t.events.OnDisconnected(t.self, ErrLinkLost)
	}
}

func (t *Tag) Frames() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

func (t *Tag) Close() {
	t.mu.Lock()
	t.resetLocked()
	t.mu.Unlock()
	t.sched.Close()
}

func (t *Tag) resetLocked() {
	t.scanning = false
	t.connected = false
	t.subscribed = false
	t.advertise.Cancel()
	t.notify.Cancel()
	t.advertise, t.notify = nil, nil
}

func (t *Tag) StartScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.powered {
		return sensor.ErrTransportUnavailable
	}
	t.scanning = true
	if t.advertise.Pending() || t.connected {
		return nil
	}
	t.advertise = t.sched.After(t.cfg.AdvertiseDelay, func() {
		t.mu.Lock()
		ok := t.scanning && !t.connected
		t.mu.Unlock()
		if ok {
			t.events.OnPeripheralDiscovered(t.cfg.Name, t.self)
		}
	})
	return nil
}

func (t *Tag) StopScan() {
	t.mu.Lock()
	t.scanning = false
	t.advertise.Cancel()
	t.advertise = nil
	t.mu.Unlock()
}

func (t *Tag) Connect(p sensor.Peripheral) error {
	if err := t.check(p, false); err != nil {
		return err
	}
	t.later(func() {
		t.mu.Lock()
		if !t.powered {
			t.mu.Unlock()
			return
		}
		t.connected = true
		t.mu.Unlock()
		t.events.OnConnected(t.self)
	})
	return nil
}

func (t *Tag) DiscoverServices(p sensor.Peripheral, service string) error {
	if err := t.check(p, true); err != nil {
		return err
	}
	t.later(func() {
		var found []string
		if !t.cfg.HideService && sensor.SameUUID(service, sensor.ServiceUUID) {
			found = []string{sensor.ServiceUUID}
		}
		t.events.OnServicesDiscovered(t.self, found, nil)
	})
	return nil
}

func (t *Tag) DiscoverCharacteristics(p sensor.Peripheral, service, characteristic string) error {
	if err := t.check(p, true); err != nil {
		return err
	}
	t.later(func() {
		var found []string
		if !t.cfg.HideCharacteristic && sensor.SameUUID(characteristic, sensor.OrientationCharacteristic) {
			found = []string{sensor.OrientationCharacteristic}
		}
		t.events.OnCharacteristicsDiscovered(t.self, found, nil)
	})
	return nil
}

func (t *Tag) Subscribe(p sensor.Peripheral, characteristic string) error {
	if err := t.check(p, true); err != nil {
		return err
	}
	if !sensor.SameUUID(characteristic, sensor.OrientationCharacteristic) {
		return fmt.Errorf("sim: subscribe %s: %w", characteristic, sensor.ErrCharacteristicNotFound)
	}
	t.mu.Lock()
	t.subscribed = true
	if !t.notify.Pending() {
		t.armNotifyLocked()
	}
	t.mu.Unlock()
	return nil
}

func (t *Tag) Disconnect(p sensor.Peripheral) error {
	t.mu.Lock()
	was := t.connected && p.ID == t.self.ID
	if was {
		t.resetLocked()
	}
	t.mu.Unlock()
	if was {
		t.later(func() { t.events.OnDisconnected(t.self, nil) })
	}
	return nil
}

func (t *Tag) armNotifyLocked() {
	t.notify = t.sched.After(t.cfg.Rate, func() {
		t.mu.Lock()
		if !t.subscribed {
			t.mu.Unlock()
			return
		}
		t.frames++
		t.armNotifyLocked()
		t.mu.Unlock()

		o := sensor.FromHeading(t.cfg.Heading(t.clock.Now()))
		t.events.OnValueUpdated(t.self, sensor.EncodeFrame(o))
	})
}

func (t *Tag) check(p sensor.Peripheral, needConnected bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.powered {
		return sensor.ErrTransportUnavailable
	}
	if p.ID != t.self.ID {
		return fmt.Errorf("sim: unknown peripheral %q: %w", p.ID, sensor.ErrDeviceNotFound)
	}
	if needConnected && !t.connected {
		return fmt.Errorf("sim: %s not connected", p.ID)
	}
	return nil
}

func (t *Tag) later(fn func()) {
	t.sched.After(t.cfg.LatencyDelay, fn)
}

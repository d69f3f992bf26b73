package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kaitag-ally/internal/sensor"
)

// ErrReplayFinished is reported as the disconnect cause when a non-looping
// replay runs out of frames.
var ErrReplayFinished = errors.New("replay: finished")

type TransportConfig struct {
	Records []Record
	Speed   float64 // default 1.0
	Loop    bool

	Name string // advertised name, default sensor.DefaultDeviceName
	ID   string // default "replay"

	// Sleeper overrides the wait between frames, mostly for tests.
	Sleeper Sleeper
}

// Transport is a sensor.Transport that pretends to be a tag and streams
// recorded frames after Subscribe. GATT steps answer synchronously.
type Transport struct {
	cfg    TransportConfig
	events sensor.Events
	self   sensor.Peripheral

	mu        sync.Mutex
	powered   bool
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	played    uint64
}

var _ sensor.Transport = (*Transport)(nil)

func NewTransport(cfg TransportConfig, events sensor.Events) (*Transport, error) {
	if !hasFrames(cfg.Records) {
		return nil, errors.New("replay: no frames")
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.Name == "" {
		cfg.Name = sensor.DefaultDeviceName
	}
	if cfg.ID == "" {
		cfg.ID = "replay"
	}
	return &Transport{
		cfg:    cfg,
		events: events,
		self:   sensor.Peripheral{ID: cfg.ID, Name: cfg.Name},
	}, nil
}

// PowerOn reports a powered radio to the link.
func (t *Transport) PowerOn() {
	t.mu.Lock()
	t.powered = true
	t.mu.Unlock()
	t.events.OnTransportStateChanged(sensor.TransportPoweredOn)
}

// Played returns how many frames have been delivered.
func (t *Transport) Played() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.played
}

func (t *Transport) StartScan() error {
	t.mu.Lock()
	if !t.powered {
		t.mu.Unlock()
		return sensor.ErrTransportUnavailable
	}
	t.mu.Unlock()
	t.events.OnPeripheralDiscovered(t.cfg.Name, t.self)
	return nil
}

func (t *Transport) StopScan() {}

func (t *Transport) Connect(p sensor.Peripheral) error {
	if p.ID != t.self.ID {
		return fmt.Errorf("replay: unknown peripheral %q: %w", p.ID, sensor.ErrDeviceNotFound)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.events.OnConnected(t.self)
	return nil
}

func (t *Transport) DiscoverServices(p sensor.Peripheral, service string) error {
	t.events.OnServicesDiscovered(p, []string{sensor.ServiceUUID}, nil)
	return nil
}

func (t *Transport) DiscoverCharacteristics(p sensor.Peripheral, service, characteristic string) error {
	t.events.OnCharacteristicsDiscovered(p, []string{sensor.OrientationCharacteristic}, nil)
	return nil
}

func (t *Transport) Subscribe(p sensor.Peripheral, characteristic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("replay: %s not connected", p.ID)
	}
	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.play(ctx, t.done)
	return nil
}

func (t *Transport) Disconnect(p sensor.Peripheral) error {
	t.stop()
	return nil
}

// Close stops playback and waits for the player goroutine.
func (t *Transport) Close() {
	t.stop()
}

func (t *Transport) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.connected = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *Transport) play(ctx context.Context, done chan struct{}) {
	defer close(done)
	sleeper := t.cfg.Sleeper
	if sleeper == nil {
		sleeper = ctxSleeper{ctx}
	}
	err := Play(t.cfg.Records, t.cfg.Speed, t.cfg.Loop, sleeper, func(frame []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.mu.Lock()
		t.played++
		t.mu.Unlock()
		t.events.OnValueUpdated(t.self, frame)
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = ErrReplayFinished
	}

	t.mu.Lock()
	cancel := t.cancel
	t.cancel, t.done = nil, nil
	t.connected = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.events.OnDisconnected(t.self, err)
}

// ctxSleeper sleeps in real time but wakes early when ctx is cancelled.
type ctxSleeper struct{ ctx context.Context }

func (s ctxSleeper) Sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
	case <-timer.C:
	}
}

// Package sensor implements the KaiTag link: a transport-agnostic BLE
// connection state machine that discovers the tag, subscribes to its
// orientation characteristic and publishes the latest Orientation.
package sensor

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"kaitag-ally/internal/timeutil"
)

// State is the link's position in the connect sequence.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscoveringService
	StateDiscoveringCharacteristic
	StateSubscribing
	StateStreaming
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringService:
		return "discovering_service"
	case StateDiscoveringCharacteristic:
		return "discovering_characteristic"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// linked reports whether a peripheral is attached in this state.
func (s State) linked() bool {
	return s >= StateConnecting && s <= StateStreaming
}

type Config struct {
	// DeviceName is the advertised name to accept. Others are ignored.
	DeviceName         string
	ServiceUUID        string
	CharacteristicUUID string

	// ReconnectDelay is how long to wait before the single reconnect attempt
	// after an unexpected disconnect. Defaults to 5s.
	ReconnectDelay time.Duration

	// ScanTimeout bounds a scan without a match. Defaults to 15s; negative
	// disables the timeout.
	ScanTimeout time.Duration

	Clock timeutil.Clock
}

type Snapshot struct {
	State          string      `json:"state"`
	Transport      string      `json:"transport"`
	Connected      bool        `json:"connected"`
	Peripheral     string      `json:"peripheral,omitempty"`
	Orientation    Orientation `json:"orientation"`
	HeadingDeg     *float64    `json:"heading_deg,omitempty"`
	Frames         uint64      `json:"frames"`
	DroppedFrames  uint64      `json:"dropped_frames"`
	ReconnectArmed bool        `json:"reconnect_armed"`
	LastError      string      `json:"last_error,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type Link struct {
	cfg       Config
	transport Transport
	sched     *timeutil.Scheduler
	clock     timeutil.Clock

	mu             sync.Mutex
	state          State
	transportState TransportState
	peripheral     *Peripheral
	wantConnected  bool
	reconnect      *timeutil.Handle
	scanTimer      *timeutil.Handle
	lastErr        error
	updatedAt      time.Time

	frames  atomic.Uint64
	dropped atomic.Uint64
	latest  atomic.Value // Orientation

	subsMu sync.RWMutex
	subs   map[int]func(Orientation)
	nextID int
	onRaw  func(time.Time, []byte)
}

// New builds an idle link. The transport is attached with SetTransport
// because adapters usually need the link as their Events sink.
func New(cfg Config) *Link {
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if strings.TrimSpace(cfg.ServiceUUID) == "" {
		cfg.ServiceUUID = ServiceUUID
	}
	if strings.TrimSpace(cfg.CharacteristicUUID) == "" {
		cfg.CharacteristicUUID = OrientationCharacteristic
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	l := &Link{
		cfg:   cfg,
		clock: cfg.Clock,
		sched: timeutil.NewScheduler(cfg.Clock),
		subs:  make(map[int]func(Orientation)),
	}
	l.latest.Store(Identity)
	return l
}

func (l *Link) SetTransport(t Transport) {
	l.mu.Lock()
	l.transport = t
	l.mu.Unlock()
}

// OnRawFrame registers a hook that sees every raw notification payload
// (including malformed ones), e.g. for recording.
func (l *Link) OnRawFrame(fn func(at time.Time, frame []byte)) {
	l.subsMu.Lock()
	l.onRaw = fn
	l.subsMu.Unlock()
}

// Subscribe registers fn for every decoded frame. fn runs on the transport's
// delivery goroutine and must not block.
func (l *Link) Subscribe(fn func(Orientation)) (unsubscribe func()) {
	l.subsMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.subsMu.Unlock()
	return func() {
		l.subsMu.Lock()
		delete(l.subs, id)
		l.subsMu.Unlock()
	}
}

// Orientation returns the latest published value without blocking.
func (l *Link) Orientation() Orientation {
	return l.latest.Load().(Orientation)
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastError returns the most recent failure, or nil.
func (l *Link) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// ReconnectPending reports whether a reconnect attempt is scheduled.
func (l *Link) ReconnectPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnect.Pending()
}

func (l *Link) Snapshot() Snapshot {
	l.mu.Lock()
	snap := Snapshot{
		State:          l.state.String(),
		Transport:      l.transportState.String(),
		Connected:      l.state == StateStreaming,
		ReconnectArmed: l.reconnect.Pending(),
		UpdatedAt:      l.updatedAt,
	}
	if l.peripheral != nil {
		snap.Peripheral = l.peripheral.ID
	}
	if l.lastErr != nil {
		snap.LastError = l.lastErr.Error()
	}
	l.mu.Unlock()

	snap.Orientation = l.Orientation()
	if h, ok := snap.Orientation.HeadingDeg(); ok {
		snap.HeadingDeg = &h
	}
	snap.Frames = l.frames.Load()
	snap.DroppedFrames = l.dropped.Load()
	return snap
}

// Connect expresses intent to stream: it cancels any pending reconnect and
// starts scanning. If the transport is not powered yet, scanning starts when
// it reports TransportPoweredOn.
func (l *Link) Connect() error {
	l.mu.Lock()
	l.wantConnected = true
	l.cancelReconnectLocked()
	l.mu.Unlock()
	return l.StartScanning()
}

// Disconnect tears the link down on purpose: no reconnect follows, and the
// orientation resets to Identity.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.wantConnected = false
	l.cancelReconnectLocked()
	l.cancelScanTimerLocked()
	prev := l.state
	p := l.peripheral
	l.peripheral = nil
	if prev != StateIdle {
		l.setStateLocked(StateDisconnected)
	}
	t := l.transport
	l.mu.Unlock()

	l.latest.Store(Identity)
	if t == nil {
		return
	}
	if prev == StateScanning {
		t.StopScan()
	}
	if p != nil {
		if err := t.Disconnect(*p); err != nil {
			log.Printf("sensor disconnect peripheral=%s: %v", p.ID, err)
		}
	}
}

// Close disconnects and cancels every timer the link owns.
func (l *Link) Close() {
	if l == nil {
		return
	}
	l.Disconnect()
	l.sched.Close()
}

// StartScanning begins passive discovery. It fails with
// ErrTransportUnavailable when the radio is not powered, and is a no-op
// while already scanning or linked.
func (l *Link) StartScanning() error {
	l.mu.Lock()
	if l.transportState != TransportPoweredOn {
		l.lastErr = ErrTransportUnavailable
		l.touchLocked()
		l.mu.Unlock()
		return ErrTransportUnavailable
	}
	if l.state == StateScanning || l.state.linked() {
		l.mu.Unlock()
		return nil
	}
	t := l.transport
	if t == nil {
		l.mu.Unlock()
		return fmt.Errorf("sensor: no transport attached")
	}
	l.setStateLocked(StateScanning)
	l.armScanTimerLocked()
	l.mu.Unlock()

	if err := t.StartScan(); err != nil {
		l.mu.Lock()
		if l.state == StateScanning {
			l.cancelScanTimerLocked()
			l.setStateLocked(StateDisconnected)
			l.lastErr = fmt.Errorf("sensor: start scan: %w", err)
		}
		l.mu.Unlock()
		return err
	}
	log.Printf("sensor scanning name=%s", l.cfg.DeviceName)
	return nil
}

func (l *Link) OnTransportStateChanged(s TransportState) {
	l.mu.Lock()
	prev := l.transportState
	l.transportState = s
	l.touchLocked()
	if s != TransportPoweredOn {
		l.cancelReconnectLocked()
		l.cancelScanTimerLocked()
		if l.state != StateIdle && l.state != StateDisconnected {
			l.setStateLocked(StateDisconnected)
		}
		l.peripheral = nil
		l.lastErr = ErrTransportUnavailable
		l.mu.Unlock()
		l.latest.Store(Identity)
		if prev != s {
			log.Printf("sensor transport state=%s", s)
		}
		return
	}
	resume := l.wantConnected && (l.state == StateIdle || l.state == StateDisconnected) && !l.reconnect.Pending()
	if errors.Is(l.lastErr, ErrTransportUnavailable) {
		l.lastErr = nil
	}
	l.mu.Unlock()

	if prev != s {
		log.Printf("sensor transport state=%s", s)
	}
	if resume {
		_ = l.StartScanning()
	}
}

func (l *Link) OnPeripheralDiscovered(name string, p Peripheral) {
	l.mu.Lock()
	if l.state != StateScanning || name != l.cfg.DeviceName {
		l.mu.Unlock()
		return
	}
	l.cancelScanTimerLocked()
	if p.Name == "" {
		p.Name = name
	}
	l.peripheral = &p
	l.setStateLocked(StateConnecting)
	t := l.transport
	l.mu.Unlock()

	log.Printf("sensor found name=%s peripheral=%s", name, p.ID)
	t.StopScan()
	if err := t.Connect(p); err != nil {
		l.failLink(p, fmt.Errorf("sensor: connect: %w", err))
	}
}

func (l *Link) OnConnected(p Peripheral) {
	l.mu.Lock()
	if l.state != StateConnecting || !l.isCurrentLocked(p) {
		l.mu.Unlock()
		return
	}
	l.setStateLocked(StateDiscoveringService)
	t := l.transport
	svc := l.cfg.ServiceUUID
	l.mu.Unlock()

	if err := t.DiscoverServices(p, svc); err != nil {
		l.failLink(p, fmt.Errorf("%w: %v", ErrServiceNotFound, err))
	}
}

func (l *Link) OnServicesDiscovered(p Peripheral, services []string, err error) {
	l.mu.Lock()
	if l.state != StateDiscoveringService || !l.isCurrentLocked(p) {
		l.mu.Unlock()
		return
	}
	if err != nil || !containsUUID(services, l.cfg.ServiceUUID) {
		l.mu.Unlock()
		if err != nil {
			l.failLink(p, fmt.Errorf("%w: %v", ErrServiceNotFound, err))
		} else {
			l.failLink(p, ErrServiceNotFound)
		}
		return
	}
	l.setStateLocked(StateDiscoveringCharacteristic)
	t := l.transport
	svc, char := l.cfg.ServiceUUID, l.cfg.CharacteristicUUID
	l.mu.Unlock()

	if err := t.DiscoverCharacteristics(p, svc, char); err != nil {
		l.failLink(p, fmt.Errorf("%w: %v", ErrCharacteristicNotFound, err))
	}
}

func (l *Link) OnCharacteristicsDiscovered(p Peripheral, characteristics []string, err error) {
	l.mu.Lock()
	if l.state != StateDiscoveringCharacteristic || !l.isCurrentLocked(p) {
		l.mu.Unlock()
		return
	}
	if err != nil || !containsUUID(characteristics, l.cfg.CharacteristicUUID) {
		l.mu.Unlock()
		if err != nil {
			l.failLink(p, fmt.Errorf("%w: %v", ErrCharacteristicNotFound, err))
		} else {
			l.failLink(p, ErrCharacteristicNotFound)
		}
		return
	}
	l.setStateLocked(StateSubscribing)
	t := l.transport
	char := l.cfg.CharacteristicUUID
	l.mu.Unlock()

	if err := t.Subscribe(p, char); err != nil {
		l.failLink(p, fmt.Errorf("sensor: subscribe: %w", err))
		return
	}

	l.mu.Lock()
	if l.state == StateSubscribing && l.isCurrentLocked(p) {
		l.setStateLocked(StateStreaming)
		l.lastErr = nil
		l.mu.Unlock()
		log.Printf("sensor streaming peripheral=%s", p.ID)
		return
	}
	l.mu.Unlock()
}

func (l *Link) OnValueUpdated(p Peripheral, value []byte) {
	l.mu.Lock()
	accept := (l.state == StateSubscribing || l.state == StateStreaming) && l.isCurrentLocked(p)
	if accept && l.state == StateSubscribing {
		// Notifications can race the subscribe acknowledgement.
		l.setStateLocked(StateStreaming)
	}
	l.mu.Unlock()
	if !accept {
		return
	}

	now := l.clock.Now()
	l.subsMu.RLock()
	raw := l.onRaw
	l.subsMu.RUnlock()
	if raw != nil {
		raw(now, value)
	}

	o, err := DecodeFrame(value)
	if err != nil {
		l.dropped.Add(1)
		l.mu.Lock()
		l.lastErr = err
		l.mu.Unlock()
		return
	}
	l.latest.Store(o)
	l.frames.Add(1)

	l.subsMu.RLock()
	subs := make([]func(Orientation), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.subsMu.RUnlock()
	for _, fn := range subs {
		fn(o)
	}
}

func (l *Link) OnDisconnected(p Peripheral, err error) {
	l.mu.Lock()
	if !l.isCurrentLocked(p) {
		// Already torn down (intentional disconnect or failure path).
		l.mu.Unlock()
		return
	}
	wasStreaming := l.state == StateStreaming
	l.peripheral = nil
	l.setStateLocked(StateDisconnected)
	if err != nil {
		l.lastErr = err
	}
	armed := l.maybeScheduleReconnectLocked(err != nil || wasStreaming)
	l.mu.Unlock()

	l.latest.Store(Identity)
	log.Printf("sensor disconnected peripheral=%s err=%v reconnect=%t", p.ID, err, armed)
}

// failLink treats err as a connection failure on p: the link drops to
// Disconnected, a reconnect is considered, and the transport is told to
// disconnect.
func (l *Link) failLink(p Peripheral, err error) {
	l.mu.Lock()
	if !l.isCurrentLocked(p) {
		l.mu.Unlock()
		return
	}
	l.peripheral = nil
	l.setStateLocked(StateDisconnected)
	l.lastErr = err
	armed := l.maybeScheduleReconnectLocked(true)
	t := l.transport
	l.mu.Unlock()

	l.latest.Store(Identity)
	log.Printf("sensor link failed peripheral=%s err=%v reconnect=%t", p.ID, err, armed)
	if t != nil {
		_ = t.Disconnect(p)
	}
}

// maybeScheduleReconnectLocked arms the single reconnect attempt when the
// disconnect was unexpected, the user still wants a link and the radio is
// powered. At most one attempt is ever pending.
func (l *Link) maybeScheduleReconnectLocked(unexpected bool) bool {
	if !unexpected || !l.wantConnected || l.transportState != TransportPoweredOn {
		return false
	}
	if l.reconnect.Pending() {
		return true
	}
	var h *timeutil.Handle
	h = l.sched.After(l.cfg.ReconnectDelay, func() { l.fireReconnect(h) })
	l.reconnect = h
	return h != nil
}

func (l *Link) fireReconnect(h *timeutil.Handle) {
	l.mu.Lock()
	if l.reconnect != h {
		l.mu.Unlock()
		return
	}
	l.reconnect = nil
	ok := l.wantConnected && l.transportState == TransportPoweredOn && l.state == StateDisconnected
	l.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("sensor reconnect attempt name=%s", l.cfg.DeviceName)
	_ = l.StartScanning()
}

func (l *Link) armScanTimerLocked() {
	l.cancelScanTimerLocked()
	if l.cfg.ScanTimeout < 0 {
		return
	}
	var h *timeutil.Handle
	h = l.sched.After(l.cfg.ScanTimeout, func() { l.fireScanTimeout(h) })
	l.scanTimer = h
}

func (l *Link) fireScanTimeout(h *timeutil.Handle) {
	l.mu.Lock()
	if l.scanTimer != h || l.state != StateScanning {
		l.mu.Unlock()
		return
	}
	l.scanTimer = nil
	l.setStateLocked(StateDisconnected)
	l.lastErr = ErrDeviceNotFound
	// Rescan after the reconnect delay; DeviceNotFound is recoverable.
	armed := l.maybeScheduleReconnectLocked(true)
	t := l.transport
	l.mu.Unlock()

	log.Printf("sensor scan timeout name=%s rescan=%t", l.cfg.DeviceName, armed)
	if t != nil {
		t.StopScan()
	}
}

func (l *Link) cancelReconnectLocked() {
	l.reconnect.Cancel()
	l.reconnect = nil
}

func (l *Link) cancelScanTimerLocked() {
	l.scanTimer.Cancel()
	l.scanTimer = nil
}

func (l *Link) isCurrentLocked(p Peripheral) bool {
	return l.peripheral != nil && l.peripheral.ID == p.ID
}

func (l *Link) setStateLocked(s State) {
	l.state = s
	l.touchLocked()
}

func (l *Link) touchLocked() {
	l.updatedAt = l.clock.Now().UTC()
}

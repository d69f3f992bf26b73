// Package ble drives a real Bluetooth LE radio through tinygo.org/x/bluetooth
// and adapts it to sensor.Transport.
//
// The tinygo API is blocking; every call that can take radio time runs on
// its own goroutine and reports back through sensor.Events.
package ble

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"tinygo.org/x/bluetooth"

	"kaitag-ally/internal/sensor"
)

// ErrLinkLost is the disconnect cause reported when the peer or the radio
// drops a connection we did not close.
var ErrLinkLost = errors.New("ble: link lost")

type Config struct {
	// Adapter defaults to bluetooth.DefaultAdapter.
	Adapter *bluetooth.Adapter
}

type Adapter struct {
	radio  *bluetooth.Adapter
	events sensor.Events

	mu       sync.Mutex
	enabled  bool
	scanning bool
	seen     map[string]bluetooth.Address
	devices  map[string]*peer
}

// peer is a connected device plus what discovery found on it.
type peer struct {
	dev      bluetooth.Device
	services map[string]bluetooth.DeviceService
	chars    map[string]bluetooth.DeviceCharacteristic
	closing  bool
}

var _ sensor.Transport = (*Adapter)(nil)

func New(cfg Config, events sensor.Events) *Adapter {
	radio := cfg.Adapter
	if radio == nil {
		radio = bluetooth.DefaultAdapter
	}
	return &Adapter{
		radio:   radio,
		events:  events,
		seen:    make(map[string]bluetooth.Address),
		devices: make(map[string]*peer),
	}
}

// Enable powers up the radio and reports the resulting transport state.
// tinygo has no power-change notifications, so this is the only state
// report the link receives.
func (a *Adapter) Enable() error {
	err := a.radio.Enable()
	state := transportStateFor(err)

	a.mu.Lock()
	a.enabled = err == nil
	a.mu.Unlock()
	if err == nil {
		a.radio.SetConnectHandler(a.onConnectEvent)
	} else {
		log.Printf("ble enable failed: %v", err)
	}
	a.events.OnTransportStateChanged(state)
	if err != nil {
		return fmt.Errorf("ble enable: %w", err)
	}
	return nil
}

func transportStateFor(enableErr error) sensor.TransportState {
	if enableErr == nil {
		return sensor.TransportPoweredOn
	}
	if errors.Is(enableErr, errors.ErrUnsupported) {
		return sensor.TransportUnsupported
	}
	return sensor.TransportPoweredOff
}

func (a *Adapter) StartScan() error {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return sensor.ErrTransportUnavailable
	}
	if a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = true
	a.mu.Unlock()

	go func() {
		err := a.radio.Scan(a.onScanResult)
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
		if err != nil {
			log.Printf("ble scan stopped: %v", err)
		}
	}()
	return nil
}

func (a *Adapter) onScanResult(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
	name := r.LocalName()
	if name == "" {
		return
	}
	id := r.Address.String()
	a.mu.Lock()
	a.seen[id] = r.Address
	a.mu.Unlock()
	a.events.OnPeripheralDiscovered(name, sensor.Peripheral{ID: id, Name: name})
}

func (a *Adapter) StopScan() {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return
	}
	if err := a.radio.StopScan(); err != nil {
		log.Printf("ble stop scan: %v", err)
	}
}

func (a *Adapter) Connect(p sensor.Peripheral) error {
	a.mu.Lock()
	addr, ok := a.seen[p.ID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: peripheral %q not seen: %w", p.ID, sensor.ErrDeviceNotFound)
	}

	go func() {
		dev, err := a.radio.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			a.events.OnDisconnected(p, fmt.Errorf("ble connect %s: %w", p.ID, err))
			return
		}
		a.mu.Lock()
		a.devices[p.ID] = &peer{
			dev:      dev,
			services: make(map[string]bluetooth.DeviceService),
			chars:    make(map[string]bluetooth.DeviceCharacteristic),
		}
		a.mu.Unlock()
		a.events.OnConnected(p)
	}()
	return nil
}

func (a *Adapter) DiscoverServices(p sensor.Peripheral, service string) error {
	pr, err := a.peer(p)
	if err != nil {
		return err
	}
	want, err := bluetooth.ParseUUID(service)
	if err != nil {
		return fmt.Errorf("ble: service uuid %q: %w", service, err)
	}

	go func() {
		svcs, err := pr.dev.DiscoverServices([]bluetooth.UUID{want})
		if err != nil {
			a.events.OnServicesDiscovered(p, nil, err)
			return
		}
		found := make([]string, 0, len(svcs))
		a.mu.Lock()
		for _, s := range svcs {
			u := s.UUID().String()
			pr.services[normUUID(u)] = s
			found = append(found, u)
		}
		a.mu.Unlock()
		a.events.OnServicesDiscovered(p, found, nil)
	}()
	return nil
}

func (a *Adapter) DiscoverCharacteristics(p sensor.Peripheral, service, characteristic string) error {
	pr, err := a.peer(p)
	if err != nil {
		return err
	}
	a.mu.Lock()
	svc, ok := pr.services[normUUID(service)]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: service %s: %w", service, sensor.ErrServiceNotFound)
	}
	want, err := bluetooth.ParseUUID(characteristic)
	if err != nil {
		return fmt.Errorf("ble: characteristic uuid %q: %w", characteristic, err)
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{want})
		if err != nil {
			a.events.OnCharacteristicsDiscovered(p, nil, err)
			return
		}
		found := make([]string, 0, len(chars))
		a.mu.Lock()
		for _, c := range chars {
			u := c.UUID().String()
			pr.chars[normUUID(u)] = c
			found = append(found, u)
		}
		a.mu.Unlock()
		a.events.OnCharacteristicsDiscovered(p, found, nil)
	}()
	return nil
}

// Subscribe enables notifications synchronously; a nil return means frames
// will follow.
func (a *Adapter) Subscribe(p sensor.Peripheral, characteristic string) error {
	pr, err := a.peer(p)
	if err != nil {
		return err
	}
	a.mu.Lock()
	ch, ok := pr.chars[normUUID(characteristic)]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: characteristic %s: %w", characteristic, sensor.ErrCharacteristicNotFound)
	}
	return ch.EnableNotifications(func(buf []byte) {
		// tinygo may reuse buf after the callback returns.
		a.events.OnValueUpdated(p, append([]byte(nil), buf...))
	})
}

func (a *Adapter) Disconnect(p sensor.Peripheral) error {
	a.mu.Lock()
	pr, ok := a.devices[p.ID]
	if ok {
		pr.closing = true
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	err := pr.dev.Disconnect()
	a.mu.Lock()
	delete(a.devices, p.ID)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ble disconnect %s: %w", p.ID, err)
	}
	return nil
}

// onConnectEvent turns radio-level disconnects into link events. Connects
// are already reported by Connect.
func (a *Adapter) onConnectEvent(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := dev.Address.String()
	a.mu.Lock()
	pr, ok := a.devices[id]
	if ok {
		delete(a.devices, id)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	var cause error
	if !pr.closing {
		cause = ErrLinkLost
	}
	a.events.OnDisconnected(sensor.Peripheral{ID: id}, cause)
}

func (a *Adapter) peer(p sensor.Peripheral) (*peer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return nil, sensor.ErrTransportUnavailable
	}
	pr, ok := a.devices[p.ID]
	if !ok {
		return nil, fmt.Errorf("ble: %s not connected", p.ID)
	}
	return pr, nil
}

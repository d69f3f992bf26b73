package sensor

import "strings"

// KaiTag GATT contract.
const (
	DefaultDeviceName         = "KaiTag"
	ServiceUUID               = "b7063e97-8504-4fcb-b0f5-aef2d5903c4d"
	OrientationCharacteristic = "71fa0f31-bcc7-42f2-bb57-a9810b436231"
)

// TransportState is the power/authorization state of the radio.
type TransportState int

const (
	TransportUnknown TransportState = iota
	TransportPoweredOff
	TransportUnsupported
	TransportUnauthorized
	TransportPoweredOn
)

func (s TransportState) String() string {
	switch s {
	case TransportPoweredOff:
		return "powered_off"
	case TransportUnsupported:
		return "unsupported"
	case TransportUnauthorized:
		return "unauthorized"
	case TransportPoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Peripheral is an opaque handle to a discovered device. ID is whatever the
// transport uses to address it (MAC, platform UUID, ...).
type Peripheral struct {
	ID   string
	Name string
}

// Transport issues commands to the radio. Results come back asynchronously
// (or synchronously, from inside the call) through the Events interface.
//
// Implementations must not hold their own locks while delivering events.
type Transport interface {
	StartScan() error
	StopScan()
	Connect(p Peripheral) error
	DiscoverServices(p Peripheral, service string) error
	DiscoverCharacteristics(p Peripheral, service, characteristic string) error
	Subscribe(p Peripheral, characteristic string) error
	Disconnect(p Peripheral) error
}

// Events is the callback surface a transport adapter drives. *Link
// implements it.
type Events interface {
	OnTransportStateChanged(s TransportState)
	OnPeripheralDiscovered(name string, p Peripheral)
	OnConnected(p Peripheral)
	OnDisconnected(p Peripheral, err error)
	OnServicesDiscovered(p Peripheral, services []string, err error)
	OnCharacteristicsDiscovered(p Peripheral, characteristics []string, err error)
	OnValueUpdated(p Peripheral, value []byte)
}

// SameUUID compares two UUID strings ignoring case and surrounding space.
func SameUUID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func containsUUID(list []string, want string) bool {
	for _, u := range list {
		if SameUUID(u, want) {
			return true
		}
	}
	return false
}

package sensor

import "errors"

var (
	// ErrTransportUnavailable means the radio is off, unsupported or not
	// authorized. It is not retried; recovery needs the transport to power on.
	ErrTransportUnavailable = errors.New("sensor: transport unavailable")

	// ErrDeviceNotFound means a scan window elapsed without the sentinel name.
	ErrDeviceNotFound = errors.New("sensor: device not found")

	ErrServiceNotFound        = errors.New("sensor: service not found")
	ErrCharacteristicNotFound = errors.New("sensor: characteristic not found")

	// ErrMalformedFrame is reported for a single dropped frame; the stream continues.
	ErrMalformedFrame = errors.New("sensor: malformed frame")
)

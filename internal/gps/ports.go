package gps

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.bug.st/serial"
)

// receiverPortHints match the names USB GNSS receivers enumerate under.
var receiverPortHints = []string{"ttyACM", "ttyUSB", "usbmodem", "usbserial", "COM"}

// autoDetectDevice returns the first port that looks like a USB receiver,
// or "" when none is present.
func autoDetectDevice() string {
	if ports, err := serial.GetPortsList(); err == nil {
		if p := pickReceiverPort(ports); p != "" {
			return p
		}
	}
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

func pickReceiverPort(ports []string) string {
	sorted := append([]string(nil), ports...)
	sort.Strings(sorted)
	for _, hint := range receiverPortHints {
		for _, p := range sorted {
			if strings.Contains(p, hint) {
				return p
			}
		}
	}
	return ""
}

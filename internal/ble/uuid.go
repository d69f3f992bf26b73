package ble

import "strings"

// normUUID keys discovery results. Platforms differ in case and some
// report 16-bit UUIDs in their short form.
func normUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) == 4 {
		return "0000" + s + "-0000-1000-8000-00805f9b34fb"
	}
	return s
}

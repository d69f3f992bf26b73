// Package gps reads position fixes from a USB serial GNSS receiver (NMEA
// RMC and GGA) or from gpsd, and hands them out as location.Fix values.
package gps

package gps

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kaitag-ally/internal/location"
)

const (
	knotsToMS = 0.514444

	// uereM converts HDOP to an approximate horizontal accuracy for
	// receivers that do not report one.
	uereM = 5.0
)

type nmeaSentence struct {
	Type string
	// Fields is the comma-split payload (excluding $ and checksum).
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
	}
	var got byte
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	// GNRMC, GPRMC, ... all map to RMC.
	t := parts[0]
	t = t[len(t)-3:]
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// nmeaState folds RMC and GGA sentences into one fix.
type nmeaState struct {
	lat, lon float64

	altM  float64
	altOK bool

	speedMS float64

	hdop       float64
	hdopOK     bool
	satellites int

	fixTime time.Time
	valid   bool
}

// apply reports whether the sentence produced a new position.
func (s *nmeaState) apply(nowUTC time.Time, sent nmeaSentence) bool {
	switch sent.Type {
	case "RMC":
		return s.applyRMC(nowUTC, sent.Fields)
	case "GGA":
		return s.applyGGA(nowUTC, sent.Fields)
	default:
		return false
	}
}

func (s *nmeaState) fix() location.Fix {
	f := location.Fix{
		Lat:       s.lat,
		Lon:       s.lon,
		SpeedMS:   s.speedMS,
		Timestamp: s.fixTime,
	}
	if s.altOK {
		f.AltitudeM = s.altM
	}
	if s.hdopOK {
		f.HorizontalAccuracyM = s.hdop * uereM
	}
	return f
}

// RMC fields:
//
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3,4: latitude ddmm.mmmm, N/S
//	5,6: longitude dddmm.mmmm, E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func (s *nmeaState) applyRMC(nowUTC time.Time, f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		return false
	}
	lat, latOK := parseNMEALatLon(f[3], f[4])
	lon, lonOK := parseNMEALatLon(f[5], f[6])
	if !latOK || !lonOK {
		return false
	}
	s.lat, s.lon = lat, lon
	if kt, ok := parseFloat(f[7]); ok {
		s.speedMS = kt * knotsToMS
	}
	s.fixTime = nowUTC
	if t, ok := parseNMEATime(f[1], f[9]); ok {
		s.fixTime = t
	}
	s.valid = true
	return true
}

// GGA fields:
//
//	1: time
//	2,3: latitude, N/S
//	4,5: longitude, E/W
//	6: fix quality (0=invalid)
//	7: satellites in use
//	8: HDOP
//	9,10: altitude, units (M)
func (s *nmeaState) applyGGA(nowUTC time.Time, f []string) bool {
	if len(f) < 11 {
		return false
	}
	q := strings.TrimSpace(f[6])
	if q == "" || q == "0" {
		return false
	}
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.satellites = sats
	}
	if hdop, ok := parseFloat(f[8]); ok {
		s.hdop, s.hdopOK = hdop, true
	}
	if alt, ok := parseFloat(f[9]); ok {
		s.altM, s.altOK = alt, true
	}
	lat, latOK := parseNMEALatLon(f[2], f[3])
	lon, lonOK := parseNMEALatLon(f[4], f[5])
	if !latOK || !lonOK {
		return false
	}
	s.lat, s.lon = lat, lon
	// GGA carries no date.
	s.fixTime = nowUTC
	s.valid = true
	return true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEALatLon parses ddmm.mmmm (latitude) or dddmm.mmmm (longitude)
// plus hemisphere into signed decimal degrees.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.ToUpper(strings.TrimSpace(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}
	intPart := v
	if dot := strings.IndexByte(v, '.'); dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}
	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil || mins >= 60 {
		return 0, false
	}
	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}

// parseNMEATime combines hhmmss.sss and ddmmyy into a UTC time.
func parseNMEATime(hms, dmy string) (time.Time, bool) {
	hms = strings.TrimSpace(hms)
	dmy = strings.TrimSpace(dmy)
	if len(hms) < 6 || len(dmy) != 6 {
		return time.Time{}, false
	}
	layout := "020106150405"
	value := dmy + hms[:6]
	if len(hms) > 7 && hms[6] == '.' {
		layout += ".000"
		value += (hms[6:] + "000")[:4]
	}
	t, err := time.ParseInLocation(layout, value, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

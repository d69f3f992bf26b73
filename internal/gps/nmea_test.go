package gps

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

const (
	rmcPayload = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	ggaPayload = "GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
)

func TestParseNMEASentence_ChecksumOK(t *testing.T) {
	s, err := parseNMEASentence(nmeaLine(rmcPayload))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.Type != "RMC" {
		t.Fatalf("expected type RMC, got %q", s.Type)
	}
}

func TestParseNMEASentence_Rejects(t *testing.T) {
	good := nmeaLine(rmcPayload)
	cases := map[string]string{
		"mismatch":    good[:len(good)-2] + "00",
		"no dollar":   good[1:],
		"no checksum": "$" + rmcPayload,
		"short type":  nmeaLine("GP"),
		"bad hex":     "$" + rmcPayload + "*ZZ",
	}
	for name, line := range cases {
		if _, err := parseNMEASentence(line); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestNMEAState_RMCUpdatesFix(t *testing.T) {
	var st nmeaState
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	updated, err := st.applyLine(now, nmeaLine(rmcPayload))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !updated {
		t.Fatalf("expected updated")
	}
	fix := st.fix()
	if math.Abs(fix.Lat-48.1173) > 1e-4 || math.Abs(fix.Lon-11.5167) > 1e-4 {
		t.Fatalf("lat/lon=%v,%v", fix.Lat, fix.Lon)
	}
	// 22.4 kt
	if math.Abs(fix.SpeedMS-11.52) > 0.01 {
		t.Fatalf("speed_ms=%v", fix.SpeedMS)
	}
	want := time.Date(1994, 3, 23, 12, 35, 19, 0, time.UTC)
	if !fix.Timestamp.Equal(want) {
		t.Fatalf("timestamp=%v want %v", fix.Timestamp, want)
	}
}

func TestNMEAState_VoidRMCIgnored(t *testing.T) {
	var st nmeaState
	updated, err := st.applyLine(time.Now(), nmeaLine("GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated || st.valid {
		t.Fatalf("void fix should not update")
	}
}

func TestNMEAState_GGAUpdatesAltitudeAndAccuracy(t *testing.T) {
	var st nmeaState
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	updated, err := st.applyLine(now, nmeaLine(ggaPayload))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !updated {
		t.Fatalf("expected updated")
	}
	fix := st.fix()
	if math.Abs(fix.AltitudeM-545.4) > 1e-9 {
		t.Fatalf("altitude_m=%v", fix.AltitudeM)
	}
	if math.Abs(fix.HorizontalAccuracyM-4.5) > 1e-9 {
		t.Fatalf("horizontal_accuracy_m=%v", fix.HorizontalAccuracyM)
	}
	if st.satellitesInUse() != 8 {
		t.Fatalf("satellites=%d", st.satellitesInUse())
	}
	if !fix.Timestamp.Equal(now) {
		t.Fatalf("timestamp=%v", fix.Timestamp)
	}
}

func TestNMEAState_GGANoFixIgnored(t *testing.T) {
	var st nmeaState
	updated, _ := st.applyLine(time.Now(), nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,0,00,,,M,,M,,"))
	if updated {
		t.Fatalf("quality 0 should not update")
	}
}

func TestNMEAState_IgnoresChatter(t *testing.T) {
	var st nmeaState
	updated, err := st.applyLine(time.Now(), "u-blox boot banner")
	if err != nil || updated {
		t.Fatalf("updated=%v err=%v", updated, err)
	}
}

func TestParseNMEALatLon(t *testing.T) {
	cases := []struct {
		v, hemi string
		want    float64
		ok      bool
	}{
		{"4807.038", "N", 48.1173, true},
		{"4807.038", "S", -48.1173, true},
		{"01131.000", "W", -11.516667, true},
		{"4807.038", "X", 0, false},
		{"", "N", 0, false},
		{"07", "N", 0, false},
		{"4875.000", "N", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseNMEALatLon(tc.v, tc.hemi)
		if ok != tc.ok {
			t.Fatalf("%s %s: ok=%v want %v", tc.v, tc.hemi, ok, tc.ok)
		}
		if ok && math.Abs(got-tc.want) > 1e-4 {
			t.Fatalf("%s %s: got %v want %v", tc.v, tc.hemi, got, tc.want)
		}
	}
}

func TestParseNMEATime_Fractional(t *testing.T) {
	got, ok := parseNMEATime("123519.25", "230394")
	if !ok {
		t.Fatalf("expected ok")
	}
	want := time.Date(1994, 3, 23, 12, 35, 19, 250*int(time.Millisecond), time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if _, ok := parseNMEATime("1235", "230394"); ok {
		t.Fatalf("short time should fail")
	}
}

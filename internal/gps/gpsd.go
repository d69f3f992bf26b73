package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"kaitag-ally/internal/location"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON reports. scaled=true yields m/s and meters.
func gpsdWatch(conn net.Conn) error {
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdMsgBase struct {
	Class string `json:"class"`
}

type gpsdTPV struct {
	Class string `json:"class"`
	Mode  *int   `json:"mode"`
	Time  string `json:"time"`

	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Alt     *float64 `json:"alt"`
	AltMSL  *float64 `json:"altMSL"`
	SpeedMS *float64 `json:"speed"`

	Epx *float64 `json:"epx"`
	Epy *float64 `json:"epy"`
	Eph *float64 `json:"eph"`
}

type gpsdSat struct {
	Used bool `json:"used"`
}

type gpsdSKY struct {
	Class      string    `json:"class"`
	HDOP       *float64  `json:"hdop"`
	Satellites []gpsdSat `json:"satellites"`
}

type gpsdState struct {
	lat, lon float64
	latOK    bool
	lonOK    bool

	altM    float64
	speedMS float64
	hAccM   float64
	hAccOK  bool

	mode       int
	satellites int
	hdop       float64
	hdopOK     bool

	fixTime time.Time
	valid   bool
}

// applyLine reports whether the line produced a new position.
func (s *gpsdState) applyLine(nowUTC time.Time, line string) (bool, error) {
	var base gpsdMsgBase
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return false, fmt.Errorf("gpsd json parse failed: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(base.Class)) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return false, fmt.Errorf("gpsd tpv parse failed: %w", err)
		}
		return s.applyTPV(nowUTC, tpv), nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return false, fmt.Errorf("gpsd sky parse failed: %w", err)
		}
		s.applySKY(sky)
		return false, nil
	default:
		// VERSION, DEVICES, WATCH, ...
		return false, nil
	}
}

func (s *gpsdState) applyTPV(nowUTC time.Time, tpv gpsdTPV) bool {
	if tpv.Mode != nil {
		s.mode = *tpv.Mode
	}
	if tpv.Eph != nil {
		s.hAccM, s.hAccOK = *tpv.Eph, true
	} else if tpv.Epx != nil && tpv.Epy != nil {
		s.hAccM, s.hAccOK = math.Hypot(*tpv.Epx, *tpv.Epy), true
	}
	if tpv.Lat != nil {
		s.lat, s.latOK = *tpv.Lat, true
	}
	if tpv.Lon != nil {
		s.lon, s.lonOK = *tpv.Lon, true
	}
	if tpv.SpeedMS != nil {
		s.speedMS = *tpv.SpeedMS
	}
	if alt := tpv.AltMSL; alt != nil {
		s.altM = *alt
	} else if tpv.Alt != nil {
		s.altM = *tpv.Alt
	}

	// mode 2 is 2D, 3 is 3D.
	if s.mode < 2 || !s.latOK || !s.lonOK || tpv.Lat == nil {
		return false
	}
	s.fixTime = nowUTC
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(tpv.Time)); err == nil {
		s.fixTime = t.UTC()
	}
	s.valid = true
	return true
}

func (s *gpsdState) applySKY(sky gpsdSKY) {
	if sky.HDOP != nil {
		s.hdop, s.hdopOK = *sky.HDOP, true
	}
	if len(sky.Satellites) > 0 {
		used := 0
		for _, sat := range sky.Satellites {
			if sat.Used {
				used++
			}
		}
		s.satellites = used
	}
}

func (s *gpsdState) fix() location.Fix {
	f := location.Fix{
		Lat:       s.lat,
		Lon:       s.lon,
		AltitudeM: s.altM,
		SpeedMS:   s.speedMS,
		Timestamp: s.fixTime,
	}
	switch {
	case s.hAccOK:
		f.HorizontalAccuracyM = s.hAccM
	case s.hdopOK:
		f.HorizontalAccuracyM = s.hdop * uereM
	}
	return f
}

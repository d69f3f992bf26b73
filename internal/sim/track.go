package sim

import (
	"math"
	"time"

	"kaitag-ally/internal/sensor"
)

// Pose is where a simulated walker is and which way it faces.
type Pose struct {
	Lat        float64
	Lon        float64
	HeadingDeg float64
	SpeedMS    float64
	AccuracyM  float64
}

// Track is a deterministic figure-eight walk around a center point.
type Track struct {
	CenterLat float64
	CenterLon float64
	RadiusM   float64       // default 100m
	Period    time.Duration // one full loop, default 5m
}

func (s Track) withDefaults() Track {
	if s.RadiusM <= 0 {
		s.RadiusM = 100
	}
	if s.Period <= 0 {
		s.Period = 5 * time.Minute
	}
	return s
}

// PoseAt returns the pose at now. The same now always yields the same pose.
func (s Track) PoseAt(now time.Time) Pose {
	s = s.withDefaults()
	w := 2 * math.Pi * phaseOf(now.UnixNano(), s.Period.Nanoseconds())

	// Lissajous figure-eight: x east, y north, y kept within half the radius.
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)
	lat, lon := offset(s.CenterLat, s.CenterLon, s.RadiusM*y, s.RadiusM*x)

	// Velocity in units of radius per loop.
	vx := -math.Sin(w)
	vy := math.Cos(2 * w)
	heading := sensor.NormalizeDeg(math.Atan2(vx, vy) * 180 / math.Pi)
	speed := s.RadiusM * 2 * math.Pi * math.Hypot(vx, vy) / s.Period.Seconds()

	return Pose{Lat: lat, Lon: lon, HeadingDeg: heading, SpeedMS: speed, AccuracyM: 5}
}

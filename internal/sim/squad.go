package sim

import (
	"math"
	"time"

	"kaitag-ally/internal/sensor"
)

// Squad places Count simulated players evenly on a circle around a center,
// all walking the same way. Used to seed a server with moving peers.
type Squad struct {
	CenterLat float64
	CenterLon float64
	RadiusM   float64       // default 150m
	Period    time.Duration // one orbit, default 3m
}

// Poses returns count poses at now. Member i is offset by i/count of a turn.
func (s Squad) Poses(now time.Time, count int) []Pose {
	if count <= 0 {
		return nil
	}
	if s.RadiusM <= 0 {
		s.RadiusM = 150
	}
	if s.Period <= 0 {
		s.Period = 3 * time.Minute
	}
	base := 2 * math.Pi * phaseOf(now.UnixNano(), s.Period.Nanoseconds())
	speed := 2 * math.Pi * s.RadiusM / s.Period.Seconds()

	out := make([]Pose, 0, count)
	for i := 0; i < count; i++ {
		theta := base + 2*math.Pi*float64(i)/float64(count)
		lat, lon := offset(s.CenterLat, s.CenterLon, s.RadiusM*math.Cos(theta), s.RadiusM*math.Sin(theta))
		out = append(out, Pose{
			Lat: lat,
			Lon: lon,
			// Clockwise seen from above, so heading leads theta by 90.
			HeadingDeg: sensor.NormalizeDeg(theta*180/math.Pi + 90),
			SpeedMS:    speed,
			AccuracyM:  5,
		})
	}
	return out
}

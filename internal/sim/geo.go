package sim

import "math"

const metersPerDegLat = 111_320.0

// offset moves (lat, lon) by north/east meters using a flat-earth
// approximation, fine for the few hundred meters a walker covers.
func offset(lat, lon, northM, eastM float64) (float64, float64) {
	dLat := northM / metersPerDegLat
	dLon := eastM / (metersPerDegLat * math.Cos(lat*math.Pi/180))
	return lat + dLat, lon + dLon
}

func phaseOf(elapsedNanos, periodNanos int64) float64 {
	if periodNanos <= 0 {
		return 0
	}
	p := elapsedNanos % periodNanos
	if p < 0 {
		p += periodNanos
	}
	return float64(p) / float64(periodNanos)
}

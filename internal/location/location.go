// Package location defines the position fix shared by GPS and simulated
// sources.
package location

import (
	"context"
	"time"
)

// Fix is one position sample. Latest-value semantics: consumers keep only
// the newest.
type Fix struct {
	Lat                 float64   `json:"lat"`
	Lon                 float64   `json:"lon"`
	AltitudeM           float64   `json:"altitude_m"`
	HorizontalAccuracyM float64   `json:"horizontal_accuracy_m"`
	SpeedMS             float64   `json:"speed_ms"`
	Timestamp           time.Time `json:"timestamp"`
}

// Source emits fixes until ctx is cancelled or Close is called. onFix runs
// on the source's goroutine and must not block.
type Source interface {
	Start(ctx context.Context, onFix func(Fix)) error
	Close() error
}

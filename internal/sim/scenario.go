package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"kaitag-ally/internal/sensor"
)

// ScenarioScript is a deterministic, script-driven walk.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 60s
//	horizontal_accuracy_m: 5
//	keyframes:
//	  - t: 0s
//	    lat_deg: 37.0
//	    lon_deg: -122.0
//	    heading_deg: 90
//	    speed_ms: 1.4
//
// Keyframes must use non-decreasing t values.
type ScenarioScript struct {
	Version             int           `yaml:"version"`
	Duration            time.Duration `yaml:"duration"`
	HorizontalAccuracyM float64       `yaml:"horizontal_accuracy_m"`
	Keyframes           []Keyframe    `yaml:"keyframes"`
}

// Keyframe is a time-stamped pose.
type Keyframe struct {
	T          time.Duration `yaml:"t"`
	LatDeg     float64       `yaml:"lat_deg"`
	LonDeg     float64       `yaml:"lon_deg"`
	HeadingDeg float64       `yaml:"heading_deg"`
	SpeedMS    float64       `yaml:"speed_ms"`
}

// Scenario is the validated runtime form of a script.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if kf.LatDeg < -90 || kf.LatDeg > 90 || kf.LonDeg < -180 || kf.LonDeg > 180 {
			return nil, fmt.Errorf("keyframes[%d] position out of range", i)
		}
	}
	if script.HorizontalAccuracyM <= 0 {
		script.HorizontalAccuracyM = 5
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or derivable from keyframes)")
	}
	return &Scenario{script: script, duration: dur}, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// PoseAt computes the pose at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is
// clamped to [0, Duration()].
func (s *Scenario) PoseAt(elapsed time.Duration, loop bool) Pose {
	if s == nil {
		return Pose{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if loop {
		elapsed %= s.duration
	} else if elapsed > s.duration {
		elapsed = s.duration
	}

	k0, k1, alpha := selectSegment(s.script.Keyframes, elapsed)
	return Pose{
		Lat:        lerp(k0.LatDeg, k1.LatDeg, alpha),
		Lon:        lerp(k0.LonDeg, k1.LonDeg, alpha),
		HeadingDeg: lerpAngleDeg(k0.HeadingDeg, k1.HeadingDeg, alpha),
		SpeedMS:    lerp(k0.SpeedMS, k1.SpeedMS, alpha),
		AccuracyM:  s.script.HorizontalAccuracyM,
	}
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0, k1 := kfs[idx-1], kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	return k0, k1, min(max(alpha, 0), 1)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerpAngleDeg interpolates along the shortest arc across 0/360.
func lerpAngleDeg(a0, a1, t float64) float64 {
	a0, a1 = sensor.NormalizeDeg(a0), sensor.NormalizeDeg(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return sensor.NormalizeDeg(a0 + delta*t)
}

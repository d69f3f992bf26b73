package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"kaitag-ally/internal/replay"
	"kaitag-ally/internal/sensor"
)

type logSummary struct {
	Segments    int
	Frames      int
	Invalid     int
	NoHeading   int
	MaxDuration time.Duration

	// Heading range over decodable frames, degrees.
	MinHeading float64
	MaxHeading float64
}

func summarizeFrameLog(records []replay.Record) logSummary {
	s := logSummary{MinHeading: math.Inf(1), MaxHeading: math.Inf(-1)}
	origin := time.Duration(0)
	hasFrames := false
	segments := 0

	for _, r := range records {
		if r.Frame == nil {
			segments++
			origin = r.At
			continue
		}
		hasFrames = true

		s.Frames++
		at := max(r.At-origin, 0)
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		o, err := sensor.DecodeFrame(r.Frame)
		if err != nil {
			s.Invalid++
			continue
		}
		deg, ok := o.HeadingDeg()
		if !ok {
			s.NoHeading++
			continue
		}
		s.MinHeading = math.Min(s.MinHeading, deg)
		s.MaxHeading = math.Max(s.MaxHeading, deg)
	}
	if segments == 0 && hasFrames {
		segments = 1
	}
	s.Segments = segments
	if math.IsInf(s.MinHeading, 1) {
		s.MinHeading, s.MaxHeading = 0, 0
	}
	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := replay.LoadFile(path)
	if err != nil {
		return err
	}

	s := summarizeFrameLog(recs)
	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "frames: %d\n", s.Frames)
	fmt.Fprintf(w, "invalid_frames: %d\n", s.Invalid)
	fmt.Fprintf(w, "no_heading_frames: %d\n", s.NoHeading)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)
	fmt.Fprintf(w, "heading_range_deg: %.1f..%.1f\n", s.MinHeading, s.MaxHeading)
	return nil
}

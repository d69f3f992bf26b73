package replay

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"kaitag-ally/internal/sensor"
)

func TestRecordReplay_RoundTripFramesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.log")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}

	// Same timestamp for every frame so replay has zero waits.
	now := time.Now()
	framesIn := [][]byte{
		sensor.EncodeFrame(sensor.Identity),
		sensor.EncodeFrame(sensor.FromHeading(90)),
		{0x01, 0x02, 0x03}, // short frames are recorded as-is
	}
	hook := w.Hook()
	for _, f := range framesIn {
		hook(now, f)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	recs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}

	var framesOut [][]byte
	fs := &fakeSleeper{}
	err = Play(recs, 1.0, false, fs, func(frame []byte) error {
		framesOut = append(framesOut, append([]byte(nil), frame...))
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if len(fs.slept) != 0 {
		t.Fatalf("expected no sleeps, got %v", fs.slept)
	}
	if !reflect.DeepEqual(framesOut, framesIn) {
		t.Fatalf("frames mismatch\n got: %x\nwant: %x", framesOut, framesIn)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.log")); err == nil {
		t.Fatalf("expected error")
	}
}

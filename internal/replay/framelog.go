// Package replay records raw orientation notifications to a text log and
// plays them back, either to a callback or as a sensor transport.
package replay

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Log format: line-oriented text.
//
//   - Blank lines and lines starting with '#' are ignored.
//   - Line "START" resets the origin (next record time is relative to 0 again).
//   - Data lines are <t_ns>,<hex> where t_ns is nanoseconds since START and
//     hex is the raw notification payload, normally 16 bytes.

// Record is one logged notification. A nil Frame marks a START line.
type Record struct {
	At    time.Duration
	Frame []byte
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// LoadFile reads every record in the log at path.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}
	return recs, nil
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 4096), 64*1024)

	var recs []Record
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"):
			continue
		case line == "START":
			recs = append(recs, Record{})
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseRecord(line string) (Record, error) {
	tsStr, hexStr, ok := strings.Cut(line, ",")
	if !ok {
		return Record{}, fmt.Errorf("missing comma: %q", line)
	}
	tsStr = strings.TrimSpace(tsStr)
	hexStr = strings.ReplaceAll(strings.TrimSpace(hexStr), " ", "")
	if tsStr == "" || hexStr == "" {
		return Record{}, fmt.Errorf("empty field: %q", line)
	}
	ns, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("timestamp %q: %w", tsStr, err)
	}
	if ns < 0 {
		return Record{}, fmt.Errorf("negative timestamp %d", ns)
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return Record{}, fmt.Errorf("hex payload: %w", err)
	}
	return Record{At: time.Duration(ns), Frame: b}, nil
}

// Writer appends records to a log file. It is safe for concurrent use so
// it can sit directly on a link's raw-frame hook.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	frames uint64
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 16*1024)
	if _, err := bw.WriteString("# kaitag orientation frames\nSTART\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

func (ww *Writer) WriteFrame(now time.Time, frame []byte) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	if frame == nil {
		return errors.New("frame is nil")
	}

	d := max(now.Sub(ww.start), 0)
	if _, err := fmt.Fprintf(ww.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(frame)); err != nil {
		return err
	}
	ww.frames++
	return nil
}

// Hook returns a raw-frame callback that records every frame and logs
// write failures once.
func (ww *Writer) Hook() func(time.Time, []byte) {
	var once sync.Once
	return func(at time.Time, frame []byte) {
		if err := ww.WriteFrame(at, frame); err != nil {
			once.Do(func() { log.Printf("replay record failed: %v", err) })
		}
	}
}

func (ww *Writer) Frames() uint64 {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	return ww.frames
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

// Sleeper waits between frames during playback.
type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play replays records with their relative timing, calling cb for every
// record with a frame. START markers reset the origin. A cb error stops
// playback and is returned.
//
// speed: 1.0 = real time, 2.0 = twice as fast, 0.5 = half speed.
func Play(records []Record, speed float64, loop bool, sleeper Sleeper, cb func(frame []byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be > 0")
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if !hasFrames(records) {
		return errors.New("no frames")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}

	for {
		var origin, lastAt time.Duration
		first := true
		for _, r := range records {
			if r.Frame == nil {
				origin, lastAt, first = r.At, 0, true
				continue
			}
			at := max(r.At-origin, 0)
			if !first {
				if wait := time.Duration(float64(max(at-lastAt, 0)) / speed); wait > 0 {
					sleeper.Sleep(wait)
				}
			}
			if err := cb(r.Frame); err != nil {
				return err
			}
			lastAt, first = at, false
		}
		if !loop {
			return nil
		}
	}
}

func hasFrames(records []Record) bool {
	for _, r := range records {
		if r.Frame != nil {
			return true
		}
	}
	return false
}

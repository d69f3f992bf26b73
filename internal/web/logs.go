package web

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const maxPartial = 1 << 20

// LogBuffer keeps the most recent process log lines in memory for /api/logs.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial string
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

// Write implements io.Writer so the buffer can sit behind log.SetOutput.
// A trailing fragment without a newline is held until the next Write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.partial + string(p)
	b.partial = ""
	for {
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.appendLineLocked(data[:i])
		data = data[i+1:]
	}
	if len(data) > maxPartial {
		// Runaway line without a newline; flush what we have.
		b.appendLineLocked(data)
		data = ""
	}
	b.partial = data
	return len(p), nil
}

func (b *LogBuffer) appendLineLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		over := len(b.lines) - b.max
		b.lines = b.lines[over:]
		b.dropped += uint64(over)
	}
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Match   string   `json:"match,omitempty"`
	Lines   []string `json:"lines"`
}

// Snapshot returns up to tail recent lines, oldest first. tail <= 0 means 200.
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	return b.Find("", tail)
}

// Find is Snapshot restricted to lines containing match, so a single client
// id can be followed through the log.
func (b *LogBuffer) Find(match string, tail int) (lines []string, dropped uint64) {
	if tail <= 0 {
		tail = 200
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.lines) - 1; i >= 0 && len(lines) < tail; i-- {
		if match == "" || strings.Contains(b.lines[i], match) {
			lines = append(lines, b.lines[i])
		}
	}
	slices.Reverse(lines)
	return lines, b.dropped
}

// Handler serves GET /api/logs?tail=N&match=S[&format=text].
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		q := r.URL.Query()
		tail := 200
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				writeError(w, http.StatusBadRequest, "tail must be an integer in [1,5000]")
				return
			}
			tail = v
		}
		match := strings.TrimSpace(q.Get("match"))
		lines, dropped := b.Find(match, tail)
		w.Header().Set("Cache-Control", "no-store")

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			_, _ = io.WriteString(w, strings.Join(lines, "\n"))
			if len(lines) > 0 {
				_, _ = io.WriteString(w, "\n")
			}
			return
		}
		if lines == nil {
			lines = []string{}
		}
		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Match:   match,
			Lines:   lines,
		})
	})
}

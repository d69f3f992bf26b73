package web

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status collects process-level facts for /api/status. Components register
// a provider that is evaluated on every snapshot.
type Status struct {
	service       string
	startUnixNano int64
	requests      uint64
	streams       int64

	mu        sync.RWMutex
	static    map[string]string
	providers map[string]func() any
}

func NewStatus(service string) *Status {
	if service == "" {
		service = "ally"
	}
	s := &Status{
		service:   service,
		static:    make(map[string]string),
		providers: make(map[string]func() any),
	}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	return s
}

// SetStatic records a fixed config value (listen address, intervals, ...).
func (s *Status) SetStatic(key, value string) {
	if s == nil || key == "" {
		return
	}
	s.mu.Lock()
	s.static[key] = value
	s.mu.Unlock()
}

// Provide registers fn under name. fn must be safe for concurrent use.
func (s *Status) Provide(name string, fn func() any) {
	if s == nil || name == "" || fn == nil {
		return
	}
	s.mu.Lock()
	s.providers[name] = fn
	s.mu.Unlock()
}

func (s *Status) MarkRequest() {
	if s == nil {
		return
	}
	atomic.AddUint64(&s.requests, 1)
}

func (s *Status) streamOpened() { atomic.AddInt64(&s.streams, 1) }
func (s *Status) streamClosed() { atomic.AddInt64(&s.streams, -1) }

type StatusSnapshot struct {
	Service       string            `json:"service"`
	NowUTC        string            `json:"now_utc"`
	UptimeSec     int64             `json:"uptime_sec"`
	RequestsTotal uint64            `json:"requests_total"`
	StreamsOpen   int64             `json:"streams_open"`
	Config        map[string]string `json:"config"`
	Components    map[string]any    `json:"components"`
	Network       *NetworkSnapshot  `json:"network,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	s.mu.RLock()
	cfg := make(map[string]string, len(s.static))
	for k, v := range s.static {
		cfg[k] = v
	}
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	fns := make([]func() any, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		fns = append(fns, s.providers[name])
	}
	s.mu.RUnlock()

	comps := make(map[string]any, len(names))
	for i, name := range names {
		comps[name] = fns[i]()
	}

	return StatusSnapshot{
		Service:       s.service,
		NowUTC:        nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:     int64(nowUTC.Sub(start).Seconds()),
		RequestsTotal: atomic.LoadUint64(&s.requests),
		StreamsOpen:   atomic.LoadInt64(&s.streams),
		Config:        cfg,
		Components:    comps,
		Network:       snapshotNetwork(),
	}
}

package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"kaitag-ally/internal/location"
)

// Config controls the GPS reader.
//
// Device may be empty to auto-detect. Most USB receivers show up as
// /dev/ttyACM* or /dev/ttyUSB* and talk NMEA at 9600 baud.
type Config struct {
	Enable bool

	// Source selects ingestion: "nmea" (direct serial, default) or "gpsd".
	Source string

	// GPSDAddr is host:port for gpsd when Source=="gpsd".
	GPSDAddr string

	Device string
	Baud   int

	// StaleAfter marks the last fix stale in Snapshot. Default 5s.
	StaleAfter time.Duration
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Valid    bool `json:"valid"`
	FixStale bool `json:"fix_stale"`

	Source   string `json:"source,omitempty"`
	GPSDAddr string `json:"gpsd_addr,omitempty"`
	Device   string `json:"device,omitempty"`
	Baud     int    `json:"baud,omitempty"`

	Fix        *location.Fix `json:"fix,omitempty"`
	Satellites int           `json:"satellites,omitempty"`
	Fixes      uint64        `json:"fixes"`
	FixAgeSec  float64       `json:"fix_age_sec,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// decoder folds input lines into a position.
type decoder interface {
	applyLine(nowUTC time.Time, line string) (bool, error)
	fix() location.Fix
	satellitesInUse() int
}

func (s *nmeaState) applyLine(nowUTC time.Time, line string) (bool, error) {
	// Some receivers interleave non-NMEA chatter.
	if !strings.HasPrefix(line, "$") {
		return false, nil
	}
	sent, err := parseNMEASentence(line)
	if err != nil {
		return false, err
	}
	return s.apply(nowUTC, sent), nil
}

func (s *nmeaState) satellitesInUse() int { return s.satellites }
func (s *gpsdState) satellitesInUse() int { return s.satellites }

// Service is a location.Source backed by a serial receiver or gpsd.
type Service struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last  atomic.Value // Snapshot
	fixes atomic.Uint64

	mu     sync.Mutex
	closer io.Closer
}

var _ location.Source = (*Service)(nil)

func New(cfg Config) *Service {
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if cfg.Source == "" {
		cfg.Source = "nmea"
	}
	cfg.GPSDAddr = strings.TrimSpace(cfg.GPSDAddr)
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Second
	}
	s := &Service{cfg: cfg}
	s.last.Store(Snapshot{Enabled: cfg.Enable, Source: cfg.Source, GPSDAddr: cfg.GPSDAddr, Device: cfg.Device, Baud: cfg.Baud})
	return s
}

// Start begins reading. onFix runs on the reader goroutine for every new
// position. A disabled service returns nil and never calls onFix.
func (s *Service) Start(ctx context.Context, onFix func(location.Fix)) error {
	if s == nil {
		return fmt.Errorf("gps service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if onFix == nil {
		onFix = func(location.Fix) {}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if s.cfg.Source == "gpsd" {
		return s.startGPSDLocked(ctx, onFix)
	}
	return s.startNMEALocked(ctx, onFix)
}

func (s *Service) startNMEALocked(ctx context.Context, onFix func(location.Fix)) error {
	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.setErrorLocked("gps auto-detect failed: no serial receiver found")
			return fmt.Errorf("gps auto-detect failed")
		}
	}
	baud := s.cfg.Baud

	port, err := openSerial(device, baud)
	if err != nil {
		s.setErrorLocked(fmt.Sprintf("gps open failed device=%s baud=%d: %v", device, baud, err))
		return fmt.Errorf("gps open %s: %w", device, err)
	}
	s.closer = port

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.last.Store(Snapshot{Enabled: true, Source: "nmea", Device: device, Baud: baud})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = port.Close() }()

		log.Printf("gps enabled device=%s baud=%d", device, baud)
		// NMEA sentences are < 82 chars; allow headroom.
		err := s.consume(childCtx, port, &nmeaState{}, 4096, onFix)
		if err != nil && childCtx.Err() == nil {
			s.setError(fmt.Sprintf("gps read stopped: %v", err))
		}
	}()
	return nil
}

func (s *Service) startGPSDLocked(ctx context.Context, onFix func(location.Fix)) error {
	addr := s.cfg.GPSDAddr
	if addr == "" {
		addr = gpsdDefaultAddr
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.last.Store(Snapshot{Enabled: true, Source: "gpsd", GPSDAddr: addr, Device: "gpsd"})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Printf("gps enabled source=gpsd addr=%s", addr)
		st := &gpsdState{}
		const minBackoff, maxBackoff = 250 * time.Millisecond, 10 * time.Second
		backoff := minBackoff

		for childCtx.Err() == nil {
			conn, err := dialGPSD(childCtx, addr)
			if err != nil {
				s.setError(fmt.Sprintf("gpsd dial failed addr=%s: %v", addr, err))
				select {
				case <-childCtx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = minBackoff

			// Unblocks the read when the service stops.
			stop := context.AfterFunc(childCtx, func() { _ = conn.Close() })

			if err := gpsdWatch(conn); err != nil {
				s.setError(fmt.Sprintf("gpsd watch failed: %v", err))
			} else if err := s.consume(childCtx, conn, st, 256*1024, onFix); err != nil && childCtx.Err() == nil {
				s.setError(fmt.Sprintf("gpsd read stopped: %v", err))
			}
			stop()
			_ = conn.Close()
		}
	}()
	return nil
}

// consume reads lines from r until EOF, a read error or ctx is done.
func (s *Service) consume(ctx context.Context, r io.Reader, dec decoder, maxLine int, onFix func(location.Fix)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256), maxLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		updated, err := dec.applyLine(time.Now().UTC(), line)
		if err != nil {
			// Keep only the last parse error; noise is common.
			s.setError(err.Error())
			continue
		}
		if !updated {
			continue
		}
		fix := dec.fix()
		s.fixes.Add(1)
		s.storeFix(fix, dec.satellitesInUse())
		onFix(fix)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (s *Service) storeFix(fix location.Fix, sats int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := s.last.Load().(Snapshot)
	cur.Valid = true
	cur.Fix = &fix
	cur.Satellites = sats
	cur.LastError = ""
	s.last.Store(cur)
}

// Close stops the reader. It is safe to call more than once.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v, _ := s.last.Load().(Snapshot)
	v.Fixes = s.fixes.Load()
	if v.Fix != nil && !v.Fix.Timestamp.IsZero() {
		age := time.Since(v.Fix.Timestamp)
		v.FixAgeSec = age.Seconds()
		v.FixStale = age > s.cfg.StaleAfter
	}
	return v
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErrorLocked(msg)
}

func (s *Service) setErrorLocked(msg string) {
	cur, _ := s.last.Load().(Snapshot)
	// Transient parse errors do not flip validity.
	cur.LastError = msg
	s.last.Store(cur)
}

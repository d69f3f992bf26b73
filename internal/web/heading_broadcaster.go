package web

import (
	"sync"
	"time"

	"kaitag-ally/internal/sensor"
)

// HeadingSnapshot is one tag heading sample.
type HeadingSnapshot struct {
	Valid         bool     `json:"valid"`
	HeadingDeg    *float64 `json:"heading_deg,omitempty"`
	RawDeg        *float64 `json:"raw_deg,omitempty"`
	LastUpdateUTC string   `json:"last_update_utc"`
}

// HeadingBroadcaster fans out tag headings to stream listeners. It keeps the
// most recent value so new subscribers get an immediate sample.
type HeadingBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan HeadingSnapshot
	nextID   int
	last     HeadingSnapshot
	haveLast bool

	smoothMu   sync.Mutex
	smooth     float64
	haveSmooth bool
}

const headingSmoothingAlpha = 0.35

func NewHeadingBroadcaster() *HeadingBroadcaster {
	return &HeadingBroadcaster{
		subs: make(map[int]chan HeadingSnapshot),
	}
}

func (b *HeadingBroadcaster) Subscribe(buffer int) (int, <-chan HeadingSnapshot) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan HeadingSnapshot, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *HeadingBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// OnOrientation publishes the heading of o. It has the signature of a
// sensor.Link subscriber.
func (b *HeadingBroadcaster) OnOrientation(o sensor.Orientation) {
	deg, ok := o.HeadingDeg()
	b.Publish(deg, ok, time.Now().UTC())
}

func (b *HeadingBroadcaster) Publish(deg float64, ok bool, nowUTC time.Time) {
	if b == nil {
		return
	}
	snap := HeadingSnapshot{Valid: ok, LastUpdateUTC: nowUTC.Format(time.RFC3339Nano)}
	if ok {
		raw := deg
		snap.RawDeg = &raw
		b.smoothMu.Lock()
		snap.HeadingDeg = b.applySmoothing(deg)
		b.smoothMu.Unlock()
	}

	b.mu.RLock()
	subs := make([]chan HeadingSnapshot, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
	b.mu.Lock()
	b.last = snap
	b.haveLast = true
	b.mu.Unlock()
}

// Last returns the most recent sample.
func (b *HeadingBroadcaster) Last() (HeadingSnapshot, bool) {
	if b == nil {
		return HeadingSnapshot{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}

// applySmoothing low-passes along the shortest arc so 359 -> 1 moves by 2.
func (b *HeadingBroadcaster) applySmoothing(input float64) *float64 {
	if !b.haveSmooth {
		b.smooth = sensor.NormalizeDeg(input)
		b.haveSmooth = true
		v := b.smooth
		return &v
	}
	delta := sensor.NormalizeDeg(input-b.smooth+180) - 180
	b.smooth = sensor.NormalizeDeg(b.smooth + headingSmoothingAlpha*delta)
	v := b.smooth
	return &v
}

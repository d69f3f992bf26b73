// Package registry holds the server's authoritative map of connected clients.
package registry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kaitag-ally/internal/protocol"
	"kaitag-ally/internal/timeutil"
)

type Config struct {
	// StaleAfter evicts entries whose timestamp is older than this. Defaults
	// to 30s.
	StaleAfter time.Duration
	// SweepInterval controls how often the sweeper runs. Defaults to 5s.
	SweepInterval time.Duration

	Clock timeutil.Clock
	// NewID allocates client ids. Defaults to random UUIDs.
	NewID func() string
}

// Event is a change notification for watchers. Events reach every watcher
// in the order the registry changed.
type Event struct {
	Type     string                   // one of the protocol.Msg* stream types
	ClientID string                   // set for MsgClientDisconnected
	States   protocol.States          // set for MsgAllStates
	Bearing  *protocol.BearingUpdated // set for MsgBearingUpdated
}

type entry struct {
	state   protocol.ClientState
	touched time.Time
}

type Registry struct {
	cfg   Config
	clock timeutil.Clock
	sched *timeutil.Scheduler

	mu      sync.RWMutex
	entries map[string]entry

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config) *Registry {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	return &Registry{
		cfg:     cfg,
		clock:   cfg.Clock,
		sched:   timeutil.NewScheduler(cfg.Clock),
		entries: make(map[string]entry),
		subs:    make(map[int]chan Event),
	}
}

func (r *Registry) Config() Config { return r.cfg }

// Register allocates a fresh id with default state and returns it together
// with a snapshot that includes the new entry.
func (r *Registry) Register() (string, protocol.States) {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	id := r.cfg.NewID()
	for {
		if _, taken := r.entries[id]; !taken && id != "" {
			break
		}
		id = uuid.New().String()
	}
	r.entries[id] = entry{
		state: protocol.ClientState{
			Team:            protocol.DefaultTeam,
			Timestamp:       protocol.EpochSeconds(now),
			KaiTagConnected: true,
		},
		touched: now,
	}
	snap := r.snapshotLocked()
	r.publishLocked(Event{Type: protocol.MsgAllStates, States: snap})
	r.mu.Unlock()

	log.Printf("registry client registered id=%s clients=%d", id, len(snap))
	return id, snap
}

// Unregister removes id. Unknown ids are ignored. It reports whether an
// entry was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	snap := r.snapshotLocked()
	r.publishLocked(Event{Type: protocol.MsgClientDisconnected, ClientID: id})
	r.publishLocked(Event{Type: protocol.MsgAllStates, States: snap})
	r.mu.Unlock()

	log.Printf("registry client unregistered id=%s clients=%d", id, len(snap))
	return true
}

// UpdateState merges u into id's entry and refreshes its timestamp. It fails
// with protocol.ErrUnknownClient when id has no entry.
func (r *Registry) UpdateState(id string, u protocol.StateUpdate) (protocol.ClientState, error) {
	if err := u.Validate(); err != nil {
		return protocol.ClientState{}, err
	}
	return r.mutate(id, false, func(s protocol.ClientState) protocol.ClientState {
		return u.Apply(s)
	})
}

// UpdateBearing sets the bearing (wrapped into [0,360)) and timestamp only.
func (r *Registry) UpdateBearing(id string, bearing float64) (protocol.ClientState, error) {
	return r.mutate(id, true, func(s protocol.ClientState) protocol.ClientState {
		s.Bearing = protocol.NormalizeBearing(bearing)
		return s
	})
}

// mutate applies fn to id's entry and publishes the result. bearingOnly also
// announces a MsgBearingUpdated ahead of the snapshot.
func (r *Registry) mutate(id string, bearingOnly bool, fn func(protocol.ClientState) protocol.ClientState) (protocol.ClientState, error) {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return protocol.ClientState{}, protocol.ErrUnknownClient
	}
	e.state = fn(e.state)
	e.state.Timestamp = protocol.EpochSeconds(now)
	e.touched = now
	r.entries[id] = e
	if bearingOnly {
		r.publishLocked(Event{Type: protocol.MsgBearingUpdated, Bearing: &protocol.BearingUpdated{
			ClientID:  id,
			Bearing:   e.state.Bearing,
			Timestamp: e.state.Timestamp,
		}})
	}
	r.publishLocked(Event{Type: protocol.MsgAllStates, States: r.snapshotLocked()})
	r.mu.Unlock()

	return e.state, nil
}

// Snapshot returns a copy of every entry. Callers own the result.
func (r *Registry) Snapshot() protocol.States {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) Get(id string) (protocol.ClientState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.state, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) snapshotLocked() protocol.States {
	out := make(protocol.States, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.state
	}
	return out
}

// Sweep evicts entries last touched more than StaleAfter before now and
// returns the evicted ids, sorted.
func (r *Registry) Sweep(now time.Time) []string {
	cutoff := now.UTC().Add(-r.cfg.StaleAfter)

	r.mu.Lock()
	var gone []string
	for id, e := range r.entries {
		if e.touched.Before(cutoff) {
			delete(r.entries, id)
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		r.mu.Unlock()
		return nil
	}
	sort.Strings(gone)
	for _, id := range gone {
		r.publishLocked(Event{Type: protocol.MsgClientDisconnected, ClientID: id})
	}
	r.publishLocked(Event{Type: protocol.MsgAllStates, States: r.snapshotLocked()})
	r.mu.Unlock()

	for _, id := range gone {
		log.Printf("registry client evicted id=%s stale_after=%s", id, r.cfg.StaleAfter)
	}
	return gone
}

// Start arms the periodic staleness sweep. Calling it twice is a no-op.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		log.Printf("registry sweeper enabled stale_after=%s interval=%s", r.cfg.StaleAfter, r.cfg.SweepInterval)
		r.armSweep()
	})
}

func (r *Registry) armSweep() {
	r.sched.After(r.cfg.SweepInterval, func() {
		r.Sweep(r.clock.Now())
		r.armSweep()
	})
}

// Close stops the sweeper and closes every watcher channel.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		r.sched.Close()
		r.subsMu.Lock()
		r.closed = true
		for id, ch := range r.subs {
			delete(r.subs, id)
			close(ch)
		}
		r.subsMu.Unlock()
	})
}

// Watch subscribes to change events. The current snapshot is delivered
// first, and no change is lost between it and the first event. A slow
// watcher loses its oldest queued events rather than block writers.
func (r *Registry) Watch(buffer int) (int, <-chan Event) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	// Holding r.mu keeps writers out until the watcher is registered.
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := r.snapshotLocked()
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if r.closed {
		close(ch)
		return -1, ch
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	ch <- Event{Type: protocol.MsgAllStates, States: snap}
	return id, ch
}

func (r *Registry) Unwatch(id int) {
	r.subsMu.Lock()
	ch, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
		close(ch)
	}
	r.subsMu.Unlock()
}

// publishLocked fans ev out to every watcher. Callers hold r.mu for
// writing, which serializes events in change order; lock order is r.mu
// then subsMu.
func (r *Registry) publishLocked(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		// Each watcher gets its own copy of the map.
		out := ev
		if ev.States != nil {
			out.States = ev.States.Clone()
		}
		offer(ch, out)
	}
}

// offer queues ev on ch, evicting the oldest queued event when ch is full so
// the newest snapshot always lands.
func offer(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

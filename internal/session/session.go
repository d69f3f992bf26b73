// Package session runs one client's sync cycle: register with the server,
// push throttled position and bearing updates, and poll for teammates.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"kaitag-ally/internal/location"
	"kaitag-ally/internal/protocol"
	"kaitag-ally/internal/sensor"
	"kaitag-ally/internal/timeutil"
)

// API is the server surface a session needs. *syncclient.Client
// implements it.
type API interface {
	Register(ctx context.Context) (protocol.RegisterResponse, error)
	Unregister(ctx context.Context, id string) error
	UpdateState(ctx context.Context, id string, u protocol.StateUpdate) error
	UpdateBearing(ctx context.Context, id string, bearing float64) error
	Clients(ctx context.Context) (protocol.States, error)
}

// View is what a Renderer receives after every successful poll.
type View struct {
	ClientID string
	Team     protocol.Team
	// Peers holds teammates only, without this client.
	Peers protocol.States
	// Removed lists ids (any team) that disappeared since the last poll.
	Removed []string
	At      time.Time
}

type Renderer interface {
	Render(v View)
}

type RendererFunc func(View)

func (f RendererFunc) Render(v View) { f(v) }

type Status int

const (
	StatusDisconnected Status = iota
	StatusRegistering
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusRegistering:
		return "registering"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	RetryDelay       time.Duration // register retry, default 2s
	PollInterval     time.Duration // default 500ms
	PositionInterval time.Duration // default 50ms
	BearingInterval  time.Duration // default 100ms
	RequestTimeout   time.Duration // per network call, default 10s
	// KeepAlive re-sends the current state when nothing else went out for
	// this long, so an idle client is not swept. Default 15s, half the
	// server's staleness window.
	KeepAlive time.Duration

	Clock timeutil.Clock
}

func (c *Config) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = 50 * time.Millisecond
	}
	if c.BearingInterval <= 0 {
		c.BearingInterval = 100 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
}

// Handle is a point-in-time view of the session.
type Handle struct {
	ClientID      string `json:"client_id,omitempty"`
	Team          string `json:"team,omitempty"`
	Status        string `json:"status"`
	Peers         int    `json:"peers"`
	Registrations uint64 `json:"registrations"`
	StatesSent    uint64 `json:"states_sent"`
	BearingsSent  uint64 `json:"bearings_sent"`
	Polls         uint64 `json:"polls"`
	LastError     string `json:"last_error,omitempty"`
}

type Session struct {
	cfg      Config
	api      API
	renderer Renderer
	clock    timeutil.Clock
	sched    *timeutil.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	closeOnce sync.Once

	mu           sync.Mutex
	gen          uint64
	status       Status
	id           string
	team         protocol.Team
	dead         bool
	tagConnected bool
	fix          *location.Fix
	bearing      *float64
	prev         protocol.States

	posThrottle     throttle
	bearingThrottle throttle
	pollTick        *timeutil.Handle

	// Work queued for the sender goroutine.
	needRegister   bool
	needPoll       bool
	pendingState   *protocol.StateUpdate
	pendingBearing *float64
	busy           bool

	registrations uint64
	statesSent    uint64
	bearingsSent  uint64
	polls         uint64
	lastErr       error
}

func New(cfg Config, api API, r Renderer) *Session {
	cfg.applyDefaults()
	if r == nil {
		r = RendererFunc(func(View) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:          cfg,
		api:          api,
		renderer:     r,
		clock:        cfg.Clock,
		sched:        timeutil.NewScheduler(cfg.Clock),
		ctx:          ctx,
		cancel:       cancel,
		kick:         make(chan struct{}, 1),
		tagConnected: true,
	}
	s.posThrottle.interval = cfg.PositionInterval
	s.bearingThrottle.interval = cfg.BearingInterval

	s.wg.Add(1)
	go s.run()
	return s
}

// Connect starts registration. It returns immediately; failures are
// retried every RetryDelay until success or Disconnect.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.status != StatusDisconnected || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.status = StatusRegistering
	s.needRegister = true
	s.mu.Unlock()
	s.wake()
}

// Disconnect stops polling and retries, unregisters best-effort and clears
// the session. The team selection is kept for the next Connect.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	id := s.id
	s.resetLocked()
	s.status = StatusDisconnected
	s.sched.CancelAll()
	s.mu.Unlock()

	if id == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := s.api.Unregister(cctx, id); err != nil {
		log.Printf("session unregister id=%s failed (ignored): %v", id, err)
		return
	}
	log.Printf("session unregistered id=%s", id)
}

// Close disconnects and stops the sender goroutine. No callback fires
// afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Disconnect(context.Background())
		s.sched.Close()
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Session) resetLocked() {
	s.gen++
	s.id = ""
	s.prev = nil
	s.needRegister = false
	s.needPoll = false
	s.pendingState = nil
	s.pendingBearing = nil
	s.pollTick.Cancel()
	s.pollTick = nil
	s.posThrottle.reset()
	s.bearingThrottle.reset()
}

// SelectTeam sets the team. When connected, one state update goes out
// immediately.
func (s *Session) SelectTeam(team protocol.Team) error {
	if !team.Valid() {
		return fmt.Errorf("session: invalid team %q", team)
	}
	s.mu.Lock()
	s.team = team
	send := s.readyLocked()
	if send {
		s.posThrottle.force(s.clock.Now())
		s.queueStateLocked()
	}
	s.mu.Unlock()
	if send {
		s.wake()
	}
	return nil
}

// SetDead and SetTagConnected update flags carried in the next state update.
func (s *Session) SetDead(dead bool) {
	s.mu.Lock()
	s.dead = dead
	s.mu.Unlock()
	s.requestState()
}

func (s *Session) SetTagConnected(connected bool) {
	s.mu.Lock()
	changed := s.tagConnected != connected
	s.tagConnected = connected
	s.mu.Unlock()
	if changed {
		s.requestState()
	}
}

func (s *Session) OnLocationChanged(fix location.Fix) {
	s.mu.Lock()
	f := fix
	s.fix = &f
	s.mu.Unlock()
	s.requestState()
}

// OnOrientationChanged derives the bearing from the tag's heading. Frames
// with undefined heading are ignored.
func (s *Session) OnOrientationChanged(o sensor.Orientation) {
	deg, ok := o.HeadingDeg()
	if !ok {
		return
	}
	s.OnBearingChanged(deg)
}

func (s *Session) OnBearingChanged(deg float64) {
	deg = protocol.NormalizeBearing(deg)
	s.mu.Lock()
	s.bearing = &deg
	if !s.readyLocked() {
		s.mu.Unlock()
		return
	}
	ok, wait := s.bearingThrottle.allow(s.clock.Now())
	if ok {
		b := deg
		s.pendingBearing = &b
	} else {
		s.armTrailingLocked(&s.bearingThrottle, wait, s.queueBearingLocked)
	}
	s.mu.Unlock()
	if ok {
		s.wake()
	}
}

func (s *Session) requestState() {
	s.mu.Lock()
	if !s.readyLocked() {
		s.mu.Unlock()
		return
	}
	ok, wait := s.posThrottle.allow(s.clock.Now())
	if ok {
		s.queueStateLocked()
	} else {
		s.armTrailingLocked(&s.posThrottle, wait, s.queueStateLocked)
	}
	s.mu.Unlock()
	if ok {
		s.wake()
	}
}

// armTrailingLocked schedules one trailing send for th. queue runs under
// s.mu with the latest values when the interval elapses.
func (s *Session) armTrailingLocked(th *throttle, wait time.Duration, queue func()) {
	if th.trailing.Pending() {
		return
	}
	gen := s.gen
	th.trailing = s.sched.After(wait, func() {
		s.mu.Lock()
		if s.gen != gen || !s.readyLocked() {
			s.mu.Unlock()
			return
		}
		th.trailing = nil
		th.force(s.clock.Now())
		queue()
		s.mu.Unlock()
		s.wake()
	})
}

func (s *Session) queueStateLocked() {
	u := protocol.StateUpdate{
		Team:            protocol.TeamPtr(s.team),
		KaiTagConnected: protocol.Bool(s.tagConnected),
		IsDead:          protocol.Bool(s.dead),
	}
	if s.fix != nil {
		u.Lat = protocol.Float64(s.fix.Lat)
		u.Lon = protocol.Float64(s.fix.Lon)
	}
	s.pendingState = &u
}

func (s *Session) queueBearingLocked() {
	if s.bearing == nil {
		return
	}
	b := *s.bearing
	s.pendingBearing = &b
}

// readyLocked reports whether updates may be sent: a team is selected and
// the server has assigned an id.
func (s *Session) readyLocked() bool {
	return s.team != "" && s.id != "" && s.status == StatusConnected
}

func (s *Session) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Handle{
		ClientID:      s.id,
		Team:          string(s.team),
		Status:        s.status.String(),
		Peers:         len(s.prev),
		Registrations: s.registrations,
		StatesSent:    s.statesSent,
		BearingsSent:  s.bearingsSent,
		Polls:         s.polls,
	}
	if s.prev != nil {
		if _, ok := s.prev[s.id]; ok {
			h.Peers--
		}
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	return h
}

func (s *Session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// run is the sender goroutine. All network calls except Disconnect's
// unregister happen here, so sensor and location callbacks never block.
func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		}
		for s.step() {
		}
	}
}

type job struct {
	gen      uint64
	id       string
	register bool
	poll     bool
	state    *protocol.StateUpdate
	bearing  *float64
}

// step takes all queued work and performs it. It reports whether anything
// was done.
func (s *Session) step() bool {
	s.mu.Lock()
	j := job{
		gen:      s.gen,
		id:       s.id,
		register: s.needRegister,
		poll:     s.needPoll,
		state:    s.pendingState,
		bearing:  s.pendingBearing,
	}
	s.needRegister, s.needPoll = false, false
	s.pendingState, s.pendingBearing = nil, nil
	idle := !j.register && !j.poll && j.state == nil && j.bearing == nil
	s.busy = !idle
	s.mu.Unlock()
	if idle || s.ctx.Err() != nil {
		return false
	}
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	if j.register {
		s.doRegister(j.gen)
		return true
	}
	if j.state != nil {
		s.doState(j.gen, j.id, *j.state)
	}
	if j.bearing != nil {
		s.doBearing(j.gen, j.id, *j.bearing)
	}
	if j.poll {
		s.doPoll(j.gen, j.id)
	}
	return true
}

func (s *Session) call(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Session) doRegister(gen uint64) {
	var resp protocol.RegisterResponse
	err := s.call(func(ctx context.Context) error {
		var err error
		resp, err = s.api.Register(ctx)
		return err
	})

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if err == nil {
			// Disconnected while the request was in flight.
			_ = s.call(func(ctx context.Context) error { return s.api.Unregister(ctx, resp.ClientID) })
		}
		return
	}
	if err != nil {
		s.lastErr = err
		s.status = StatusRegistering
		s.sched.After(s.cfg.RetryDelay, func() {
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			s.needRegister = true
			s.mu.Unlock()
			s.wake()
		})
		s.mu.Unlock()
		log.Printf("session register failed, retry in %s: %v", s.cfg.RetryDelay, err)
		return
	}

	s.id = resp.ClientID
	s.status = StatusConnected
	s.lastErr = nil
	s.registrations++
	team := s.team
	if team != "" {
		now := s.clock.Now()
		s.posThrottle.force(now)
		s.queueStateLocked()
		if s.bearing != nil {
			s.bearingThrottle.force(now)
			s.queueBearingLocked()
		}
	}
	s.armPollLocked(gen)
	s.mu.Unlock()

	log.Printf("session registered id=%s team=%s peers=%d", resp.ClientID, team, len(resp.States))
	s.render(gen, resp.ClientID, resp.States)
	if team != "" {
		s.wake()
	}
}

// armPollLocked starts the poll ticker. Each tick re-arms before any
// request runs, so the cadence does not stretch with server latency; a
// tick that lands while a poll is in flight coalesces into one follow-up.
func (s *Session) armPollLocked(gen uint64) {
	s.pollTick = s.sched.After(s.cfg.PollInterval, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.needPoll = true
		s.keepAliveLocked()
		s.armPollLocked(gen)
		s.mu.Unlock()
		s.wake()
	})
}

// keepAliveLocked queues a state update when none went out for KeepAlive.
func (s *Session) keepAliveLocked() {
	if !s.readyLocked() || s.pendingState != nil || s.posThrottle.trailing.Pending() {
		return
	}
	now := s.clock.Now()
	if s.posThrottle.sent && now.Sub(s.posThrottle.last) < s.cfg.KeepAlive {
		return
	}
	s.posThrottle.force(now)
	s.queueStateLocked()
}

func (s *Session) doPoll(gen uint64, id string) {
	var states protocol.States
	err := s.call(func(ctx context.Context) error {
		var err error
		states, err = s.api.Clients(ctx)
		return err
	})

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.polls++
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		return
	}
	if _, ok := states[id]; !ok {
		// Evicted by the staleness sweep.
		s.mu.Unlock()
		s.render(gen, id, states)
		s.reRegister(gen, fmt.Errorf("%w: %s missing from snapshot", protocol.ErrUnknownClient, id))
		return
	}
	s.mu.Unlock()
	s.render(gen, id, states)
}

func (s *Session) doState(gen uint64, id string, u protocol.StateUpdate) {
	err := s.call(func(ctx context.Context) error { return s.api.UpdateState(ctx, id, u) })
	s.afterSend(gen, err, &s.statesSent)
}

func (s *Session) doBearing(gen uint64, id string, deg float64) {
	err := s.call(func(ctx context.Context) error { return s.api.UpdateBearing(ctx, id, deg) })
	s.afterSend(gen, err, &s.bearingsSent)
}

func (s *Session) afterSend(gen uint64, err error, counter *uint64) {
	if errors.Is(err, protocol.ErrUnknownClient) {
		s.reRegister(gen, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if err != nil {
		s.lastErr = err
		return
	}
	*counter++
}

// reRegister drops the current id after the server forgot it and starts a
// fresh registration.
func (s *Session) reRegister(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.status != StatusConnected {
		s.mu.Unlock()
		return
	}
	old := s.id
	s.resetLocked()
	s.status = StatusRegistering
	s.needRegister = true
	s.lastErr = cause
	s.mu.Unlock()

	log.Printf("session client unknown to server id=%s, re-registering", old)
	s.wake()
}

func (s *Session) render(gen uint64, id string, states protocol.States) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	removed := states.Removed(s.prev)
	s.prev = states.Clone()
	team := s.team
	s.mu.Unlock()

	s.renderer.Render(View{
		ClientID: id,
		Team:     team,
		Peers:    states.FilterTeam(team, id),
		Removed:  removed,
		At:       s.clock.Now().UTC(),
	})
}

// idle reports whether the sender has nothing queued or in flight.
func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy && !s.needRegister && !s.needPoll && s.pendingState == nil && s.pendingBearing == nil
}

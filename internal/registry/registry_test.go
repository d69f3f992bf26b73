package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaitag-ally/internal/protocol"
	"kaitag-ally/internal/timeutil"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	r := New(Config{Clock: clock})
	t.Cleanup(r.Close)
	return r, clock
}

func TestRegister_DefaultsAndSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, states := r.Register()
	require.NotEmpty(t, id)
	require.Contains(t, states, id)

	got := states[id]
	assert.Equal(t, protocol.ClientState{
		Team:            protocol.TeamBlue,
		Timestamp:       protocol.EpochSeconds(t0),
		KaiTagConnected: true,
	}, got)
}

func TestRegister_NeverReusesLiveID(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	r := New(Config{Clock: clock, NewID: func() string { return "fixed" }})
	t.Cleanup(r.Close)

	a, _ := r.Register()
	b, _ := r.Register()
	assert.Equal(t, "fixed", a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, r.Len())
}

func TestRegisterUnregister_AtMostOneEntryPerID(t *testing.T) {
	r, _ := newTestRegistry(t)
	rng := rand.New(rand.NewSource(7))

	live := map[string]bool{}
	var all []string
	for i := 0; i < 500; i++ {
		if len(all) == 0 || rng.Intn(3) > 0 {
			id, _ := r.Register()
			require.False(t, live[id], "id %s handed out twice while live", id)
			live[id] = true
			all = append(all, id)
			continue
		}
		id := all[rng.Intn(len(all))]
		r.Unregister(id)
		delete(live, id)
	}
	assert.Equal(t, len(live), r.Len())
	for id := range r.Snapshot() {
		assert.True(t, live[id])
	}
}

func TestUnregister_UnknownIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Register()

	assert.False(t, r.Unregister("nope"))
	assert.True(t, r.Unregister(id))
	assert.False(t, r.Unregister(id))
	assert.Equal(t, 0, r.Len())
}

func TestUpdateState_MergesAndRefreshesTimestamp(t *testing.T) {
	r, clock := newTestRegistry(t)
	id, _ := r.Register()

	clock.Advance(3 * time.Second)
	st, err := r.UpdateState(id, protocol.StateUpdate{
		Lat:  protocol.Float64(37.0),
		Lon:  protocol.Float64(-122.0),
		Team: protocol.TeamPtr(protocol.TeamRed),
	})
	require.NoError(t, err)
	assert.Equal(t, 37.0, st.Lat)
	assert.Equal(t, protocol.TeamRed, st.Team)
	assert.True(t, st.KaiTagConnected)
	assert.Equal(t, protocol.EpochSeconds(t0.Add(3*time.Second)), st.Timestamp)

	st, err = r.UpdateState(id, protocol.StateUpdate{IsDead: protocol.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, 37.0, st.Lat, "omitted fields keep their value")
	assert.True(t, st.IsDead)
}

func TestUpdateState_Errors(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.UpdateState("ghost", protocol.StateUpdate{Lat: protocol.Float64(1)})
	assert.ErrorIs(t, err, protocol.ErrUnknownClient)

	id, _ := r.Register()
	_, err = r.UpdateState(id, protocol.StateUpdate{Team: protocol.TeamPtr("green")})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, protocol.ErrUnknownClient)
}

func TestUpdateBearing(t *testing.T) {
	r, clock := newTestRegistry(t)
	id, _ := r.Register()
	_, err := r.UpdateState(id, protocol.StateUpdate{Lat: protocol.Float64(5)})
	require.NoError(t, err)

	clock.Advance(time.Second)
	st, err := r.UpdateBearing(id, -30)
	require.NoError(t, err)
	assert.Equal(t, 330.0, st.Bearing)
	assert.Equal(t, 5.0, st.Lat)
	assert.Equal(t, protocol.EpochSeconds(t0.Add(time.Second)), st.Timestamp)

	_, err = r.UpdateBearing("ghost", 10)
	assert.ErrorIs(t, err, protocol.ErrUnknownClient)
}

func TestSnapshot_IsACopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Register()

	snap := r.Snapshot()
	snap[id] = protocol.ClientState{Lat: 99}
	delete(snap, id)

	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0.0, got.Lat)
}

func TestSweep_EvictsOnlyStaleEntries(t *testing.T) {
	r, clock := newTestRegistry(t)
	stale, _ := r.Register()
	fresh, _ := r.Register()

	clock.Advance(20 * time.Second)
	_, err := r.UpdateBearing(fresh, 10)
	require.NoError(t, err)

	clock.Advance(11 * time.Second)
	gone := r.Sweep(clock.Now())
	assert.Equal(t, []string{stale}, gone)

	snap := r.Snapshot()
	assert.NotContains(t, snap, stale)
	assert.Contains(t, snap, fresh)

	_, err = r.UpdateState(stale, protocol.StateUpdate{})
	assert.ErrorIs(t, err, protocol.ErrUnknownClient)
}

func TestSweep_ExactlyAtWindowKeepsEntry(t *testing.T) {
	r, clock := newTestRegistry(t)
	id, _ := r.Register()
	clock.Advance(30 * time.Second)
	assert.Empty(t, r.Sweep(clock.Now()))
	assert.Contains(t, r.Snapshot(), id)
}

func TestStart_PeriodicSweep(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	r := New(Config{Clock: clock, StaleAfter: 10 * time.Second, SweepInterval: 2 * time.Second})
	t.Cleanup(r.Close)
	r.Start()
	r.Start()

	id, _ := r.Register()
	clock.Advance(10 * time.Second)
	assert.Contains(t, r.Snapshot(), id)

	clock.Advance(2 * time.Second)
	assert.NotContains(t, r.Snapshot(), id)

	r.Close()
	id2, _ := r.Register()
	clock.Advance(time.Minute)
	assert.Contains(t, r.Snapshot(), id2, "no sweep after Close")
}

func TestWatch_Events(t *testing.T) {
	r, clock := newTestRegistry(t)
	wid, ch := r.Watch(16)

	first := <-ch
	assert.Equal(t, protocol.MsgAllStates, first.Type)
	assert.Empty(t, first.States)

	id, _ := r.Register()
	ev := <-ch
	assert.Equal(t, protocol.MsgAllStates, ev.Type)
	assert.Contains(t, ev.States, id)

	clock.Advance(31 * time.Second)
	r.Sweep(clock.Now())
	ev = <-ch
	assert.Equal(t, Event{Type: protocol.MsgClientDisconnected, ClientID: id}, ev)
	ev = <-ch
	assert.Equal(t, protocol.MsgAllStates, ev.Type)
	assert.Empty(t, ev.States)

	r.Unwatch(wid)
	_, open := <-ch
	assert.False(t, open)
	r.Unwatch(wid)
}

func TestWatch_BearingEventPrecedesSnapshot(t *testing.T) {
	r, clock := newTestRegistry(t)
	id, _ := r.Register()
	_, ch := r.Watch(16)
	<-ch

	clock.Advance(time.Second)
	_, err := r.UpdateBearing(id, 370)
	require.NoError(t, err)

	ev := <-ch
	require.Equal(t, protocol.MsgBearingUpdated, ev.Type)
	assert.Equal(t, &protocol.BearingUpdated{
		ClientID:  id,
		Bearing:   10,
		Timestamp: protocol.EpochSeconds(t0.Add(time.Second)),
	}, ev.Bearing)
	ev = <-ch
	assert.Equal(t, protocol.MsgAllStates, ev.Type)
	assert.Equal(t, 10.0, ev.States[id].Bearing)

	_, err = r.UpdateState(id, protocol.StateUpdate{Lat: protocol.Float64(1)})
	require.NoError(t, err)
	ev = <-ch
	assert.Equal(t, protocol.MsgAllStates, ev.Type, "state updates carry no bearing event")
}

func TestWatch_LastSnapshotMatchesRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Register()
	_, ch := r.Watch(4096)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = r.UpdateState(id, protocol.StateUpdate{Lat: protocol.Float64(float64(w*100 + i))})
			}
		}(w)
	}
	wg.Wait()

	var last Event
	for len(ch) > 0 {
		if ev := <-ch; ev.Type == protocol.MsgAllStates {
			last = ev
		}
	}
	assert.Equal(t, r.Snapshot(), last.States, "events are delivered in change order")
}

func TestWatch_SlowWatcherKeepsNewest(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Register()
	_, ch := r.Watch(2)

	for i := 0; i < 10; i++ {
		_, err := r.UpdateBearing(id, float64(i))
		require.NoError(t, err)
	}
	require.Len(t, ch, 2)
	<-ch
	ev := <-ch
	require.Equal(t, protocol.MsgAllStates, ev.Type)
	assert.Equal(t, 9.0, ev.States[id].Bearing)
}

func TestWatch_AfterCloseReturnsClosedChannel(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Close()
	_, ch := r.Watch(1)
	_, open := <-ch
	assert.False(t, open)
}

func TestConcurrentAccess(t *testing.T) {
	r, clock := newTestRegistry(t)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id, _ := r.Register()
				_, _ = r.UpdateState(id, protocol.StateUpdate{Lat: protocol.Float64(float64(w))})
				_, _ = r.UpdateBearing(id, float64(i))
				_ = r.Snapshot()
				if i%3 == 0 {
					r.Unregister(id)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.Sweep(clock.Now())
		}
	}()
	wg.Wait()

	snap := r.Snapshot()
	for id, st := range snap {
		assert.Equal(t, protocol.TeamBlue, st.Team, fmt.Sprintf("id=%s", id))
	}
	assert.Equal(t, len(snap), r.Len())
}

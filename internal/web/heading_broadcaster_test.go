package web

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kaitag-ally/internal/sensor"
)

func TestHeadingBroadcaster_SmoothsAcrossNorth(t *testing.T) {
	b := NewHeadingBroadcaster()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	b.Publish(350, true, now)
	b.Publish(10, true, now)
	last, ok := b.Last()
	if !ok || !last.Valid || last.HeadingDeg == nil || last.RawDeg == nil {
		t.Fatalf("last=%+v ok=%v", last, ok)
	}
	// 350 + 0.35*20 = 357, not a swing through 180.
	if math.Abs(*last.HeadingDeg-357) > 1e-9 {
		t.Fatalf("smoothed=%v want 357", *last.HeadingDeg)
	}
	if *last.RawDeg != 10 {
		t.Fatalf("raw=%v", *last.RawDeg)
	}

	b.Publish(0, false, now)
	if last, _ := b.Last(); last.Valid || last.HeadingDeg != nil {
		t.Fatalf("invalid sample must carry no heading: %+v", last)
	}
}

func TestHeadingBroadcaster_SubscribeGetsLast(t *testing.T) {
	b := NewHeadingBroadcaster()
	b.OnOrientation(sensor.FromHeading(45))

	id, ch := b.Subscribe(1)
	select {
	case snap := <-ch:
		if !snap.Valid || math.Abs(*snap.RawDeg-45) > 0.01 {
			t.Fatalf("snap=%+v", snap)
		}
	default:
		t.Fatalf("expected immediate sample")
	}
	b.Unsubscribe(id)
	if _, open := <-ch; open {
		t.Fatalf("channel must close on Unsubscribe")
	}

	var nilB *HeadingBroadcaster
	nilB.Publish(1, true, time.Now())
	if _, ok := nilB.Last(); ok {
		t.Fatalf("nil broadcaster has no sample")
	}
}

func TestHeadingStreamAndEndpoint(t *testing.T) {
	b := NewHeadingBroadcaster()
	ts := httptest.NewServer(Handler(Deps{Service: "ally-client", Heading: b}))
	defer ts.Close()

	b.Publish(120, true, time.Now().UTC())

	resp, err := http.Get(ts.URL + "/api/heading")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var last HeadingSnapshot
	err = json.NewDecoder(resp.Body).Decode(&last)
	resp.Body.Close()
	if err != nil || last.RawDeg == nil || *last.RawDeg != 120 {
		t.Fatalf("last=%+v err=%v", last, err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/heading/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() HeadingSnapshot {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var s HeadingSnapshot
		if err := json.Unmarshal(msg, &s); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return s
	}
	if s := read(); *s.RawDeg != 120 {
		t.Fatalf("first sample=%+v", s)
	}

	// The subscription is registered before the first read returns.
	b.Publish(130, true, time.Now().UTC())
	if s := read(); *s.RawDeg != 130 {
		t.Fatalf("second sample=%+v", s)
	}
}

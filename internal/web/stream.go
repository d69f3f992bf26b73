package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"kaitag-ally/internal/protocol"
	"kaitag-ally/internal/registry"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Watch and browser clients connect from arbitrary origins; the protocol
	// carries no credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream pushes registry changes as {"t","p"} envelopes until the peer goes
// away. Inbound messages are read only to service control frames.
func (a *clientsAPI) stream(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream upgrade failed remote=%s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	a.status.streamOpened()
	defer a.status.streamClosed()

	wid, events := a.reg.Watch(16)
	defer a.reg.Unwatch(wid)

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	log.Printf("stream opened remote=%s", r.RemoteAddr)
	for {
		select {
		case <-done:
			log.Printf("stream closed remote=%s", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			msg, err := encodeEvent(ev)
			if err != nil {
				log.Printf("stream encode failed: %v", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodeEvent(ev registry.Event) ([]byte, error) {
	switch ev.Type {
	case protocol.MsgClientDisconnected:
		return protocol.Encode(ev.Type, ev.ClientID)
	case protocol.MsgBearingUpdated:
		if ev.Bearing == nil {
			return nil, fmt.Errorf("encode %s: missing payload", ev.Type)
		}
		return protocol.Encode(ev.Type, ev.Bearing)
	default:
		states := ev.States
		if states == nil {
			states = protocol.States{}
		}
		return protocol.Encode(protocol.MsgAllStates, states)
	}
}

// headingStream pushes every HeadingSnapshot as a JSON text message.
func headingStream(b *HeadingBroadcaster, st *Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("heading stream upgrade failed remote=%s: %v", r.RemoteAddr, err)
			return
		}
		defer conn.Close()

		st.streamOpened()
		defer st.streamClosed()

		sid, samples := b.Subscribe(8)
		defer b.Unsubscribe(sid)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case snap, ok := <-samples:
				if !ok {
					return
				}
				msg, err := json.Marshal(snap)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

package udp

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"kaitag-ally/internal/protocol"
	"kaitag-ally/internal/session"
)

// Teammate is one entry of a feed datagram.
type Teammate struct {
	ID      string  `json:"id"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Bearing float64 `json:"bearing"`
	AgeSec  float64 `json:"age_sec"`
	Tag     bool    `json:"kaitag_connected"`
	Dead    bool    `json:"is_dead"`
}

// Datagram is the JSON payload sent after every poll.
type Datagram struct {
	Type     string     `json:"type"`
	ClientID string     `json:"client_id"`
	Team     string     `json:"team"`
	At       time.Time  `json:"at"`
	Peers    []Teammate `json:"peers"`
	Removed  []string   `json:"removed,omitempty"`
}

type sender interface {
	Send(payload []byte) error
}

// Feed is a session.Renderer that forwards every view over UDP. Send
// failures are logged once per error streak.
type Feed struct {
	out sender

	mu      sync.Mutex
	sent    uint64
	failing bool
}

var _ session.Renderer = (*Feed)(nil)

func NewFeed(out sender) *Feed {
	return &Feed{out: out}
}

func (f *Feed) Render(v session.View) {
	b, err := json.Marshal(buildDatagram(v))
	if err != nil {
		log.Printf("udp feed marshal: %v", err)
		return
	}
	err = f.out.Send(b)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		if !f.failing {
			log.Printf("udp feed send failed: %v", err)
		}
		f.failing = true
		return
	}
	if f.failing {
		log.Printf("udp feed send recovered")
	}
	f.failing = false
	f.sent++
}

// Sent returns how many datagrams went out.
func (f *Feed) Sent() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func buildDatagram(v session.View) Datagram {
	d := Datagram{
		Type:     "teammates",
		ClientID: v.ClientID,
		Team:     string(v.Team),
		At:       v.At.UTC(),
		Peers:    make([]Teammate, 0, len(v.Peers)),
		Removed:  v.Removed,
	}
	for _, id := range v.Peers.IDs() {
		st := v.Peers[id]
		d.Peers = append(d.Peers, Teammate{
			ID:      id,
			Lat:     st.Lat,
			Lon:     st.Lon,
			Bearing: st.Bearing,
			AgeSec:  ageSec(v.At, st),
			Tag:     st.KaiTagConnected,
			Dead:    st.IsDead,
		})
	}
	return d
}

func ageSec(now time.Time, st protocol.ClientState) float64 {
	if st.Timestamp == 0 {
		return 0
	}
	return max(now.Sub(st.Time()).Seconds(), 0)
}

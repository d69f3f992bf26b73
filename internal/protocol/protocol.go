// Package protocol defines the JSON wire contract between ally clients and
// the state server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnknownClient is returned for updates against an id the server does
	// not hold (never registered, or evicted). Callers should re-register.
	ErrUnknownClient = errors.New("protocol: unknown client")

	// ErrNetworkUnavailable wraps transport failures, timeouts and 5xx
	// responses. Always recoverable by retrying.
	ErrNetworkUnavailable = errors.New("protocol: network unavailable")
)

// MessageClientNotFound is the Ack message of a 404 for an unknown id. It
// tells that apart from a 404 for a route the server does not serve.
const MessageClientNotFound = "client not found"

// Route paths.
const (
	PathClients  = "/clients"
	PathRegister = "/clients/register"
	PathStream   = "/clients/stream"

	// AliasPrefix is mounted in front of every /clients route for watch
	// clients that expect the /api/clients layout.
	AliasPrefix = "/api"
)

func ClientPath(id string) string {
	return PathClients + "/" + url.PathEscape(id)
}

func StatePath(id string) string   { return ClientPath(id) + "/state" }
func BearingPath(id string) string { return ClientPath(id) + "/bearing" }

type Team string

const (
	TeamRed  Team = "red"
	TeamBlue Team = "blue"
)

// DefaultTeam is assigned to freshly registered clients.
const DefaultTeam = TeamBlue

func ParseTeam(s string) (Team, error) {
	switch Team(strings.ToLower(strings.TrimSpace(s))) {
	case TeamRed:
		return TeamRed, nil
	case TeamBlue:
		return TeamBlue, nil
	default:
		return "", fmt.Errorf("invalid team %q (want red or blue)", s)
	}
}

func (t Team) Valid() bool { return t == TeamRed || t == TeamBlue }

// ClientState is ClientStateJSON on the wire.
type ClientState struct {
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	Bearing         float64 `json:"bearing"`
	Team            Team    `json:"team"`
	Timestamp       float64 `json:"timestamp"`
	KaiTagConnected bool    `json:"kaiTagConnected"`
	IsDead          bool    `json:"isDead"`
}

// Time converts the epoch-seconds timestamp.
func (s ClientState) Time() time.Time {
	return EpochTime(s.Timestamp)
}

// States maps client id to state.
type States map[string]ClientState

// IDs returns the keys in sorted order.
func (s States) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy.
func (s States) Clone() States {
	out := make(States, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// FilterTeam returns the entries on team, skipping excludeID (usually the
// caller's own id). Team filtering is done by clients; the server always
// returns everything.
func (s States) FilterTeam(team Team, excludeID string) States {
	out := make(States)
	for id, st := range s {
		if id == excludeID {
			continue
		}
		if team != "" && st.Team != team {
			continue
		}
		out[id] = st
	}
	return out
}

// Removed lists ids present in prev but not in s, sorted.
func (s States) Removed(prev States) []string {
	var gone []string
	for id := range prev {
		if _, ok := s[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	return gone
}

type RegisterResponse struct {
	ClientID string `json:"client_id"`
	States   States `json:"states"`
}

// StateUpdate is the body of POST /clients/{id}/state. Omitted fields keep
// their current value.
type StateUpdate struct {
	Lat             *float64 `json:"lat,omitempty"`
	Lon             *float64 `json:"lon,omitempty"`
	Bearing         *float64 `json:"bearing,omitempty"`
	Team            *Team    `json:"team,omitempty"`
	KaiTagConnected *bool    `json:"kaiTagConnected,omitempty"`
	IsDead          *bool    `json:"isDead,omitempty"`
}

// Validate checks field ranges. A nil StateUpdate is invalid.
func (u *StateUpdate) Validate() error {
	if u == nil {
		return errors.New("empty state update")
	}
	if u.Team != nil && !u.Team.Valid() {
		return fmt.Errorf("invalid team %q (want red or blue)", *u.Team)
	}
	if u.Lat != nil && (!finite(*u.Lat) || *u.Lat < -90 || *u.Lat > 90) {
		return fmt.Errorf("lat out of range: %v", *u.Lat)
	}
	if u.Lon != nil && (!finite(*u.Lon) || *u.Lon < -180 || *u.Lon > 180) {
		return fmt.Errorf("lon out of range: %v", *u.Lon)
	}
	if u.Bearing != nil && !finite(*u.Bearing) {
		return fmt.Errorf("bearing must be finite")
	}
	return nil
}

// Apply merges u into s.
func (u StateUpdate) Apply(s ClientState) ClientState {
	if u.Lat != nil {
		s.Lat = *u.Lat
	}
	if u.Lon != nil {
		s.Lon = *u.Lon
	}
	if u.Bearing != nil {
		s.Bearing = NormalizeBearing(*u.Bearing)
	}
	if u.Team != nil {
		s.Team = *u.Team
	}
	if u.KaiTagConnected != nil {
		s.KaiTagConnected = *u.KaiTagConnected
	}
	if u.IsDead != nil {
		s.IsDead = *u.IsDead
	}
	return s
}

// BearingUpdate is the body of POST /clients/{id}/bearing. Bearing is a
// pointer so a missing field can be told apart from 0.
type BearingUpdate struct {
	Bearing *float64 `json:"bearing"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Ack is the generic response for mutations and errors.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	States  States `json:"states,omitempty"`
}

// NormalizeBearing wraps degrees into [0,360). Non-finite input maps to 0.
func NormalizeBearing(deg float64) float64 {
	if !finite(deg) {
		return 0
	}
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// EpochSeconds converts t to fractional unix seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func EpochTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Float64 and friends build optional StateUpdate fields.
func Float64(v float64) *float64 { return &v }
func Bool(v bool) *bool          { return &v }
func TeamPtr(t Team) *Team       { return &t }

// Stream message types pushed on PathStream.
const (
	MsgAllStates          = "all_states"
	MsgClientDisconnected = "client_disconnected"
	MsgBearingUpdated     = "bearing_updated"
)

// BearingUpdated is the MsgBearingUpdated payload, pushed ahead of the full
// snapshot so map views can turn a marker without diffing states.
type BearingUpdated struct {
	ClientID  string  `json:"clientId"`
	Bearing   float64 `json:"bearing"`
	Timestamp float64 `json:"timestamp"`
}

// Envelope frames a stream message as {"t": type, "p": payload}.
type Envelope struct {
	T string          `json:"t"`
	P json.RawMessage `json:"p"`
}

func Encode(t string, payload any) ([]byte, error) {
	if t == "" {
		return nil, fmt.Errorf("encode envelope: empty type")
	}
	if payload == nil {
		return nil, fmt.Errorf("encode envelope %q: nil payload", t)
	}
	pb, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %q: %w", t, err)
	}
	return json.Marshal(Envelope{T: t, P: pb})
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: empty message")
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.P) == 0 {
		return out, fmt.Errorf("empty payload for type %q", env.T)
	}
	err := json.Unmarshal(env.P, &out)
	return out, err
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kaitag-ally/internal/protocol"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Sensor SensorConfig `yaml:"sensor"`
	GPS    GPSConfig    `yaml:"gps"`
	Sim    SimConfig    `yaml:"sim"`
	Replay ReplayConfig `yaml:"replay"`
	UDP    UDPConfig    `yaml:"udp"`
}

type ServerConfig struct {
	Listen        string          `yaml:"listen"`
	StaleAfter    time.Duration   `yaml:"stale_after"`
	SweepInterval time.Duration   `yaml:"sweep_interval"`
	DemoPeers     DemoPeersConfig `yaml:"demo_peers"`
}

// DemoPeersConfig seeds the registry with simulated clients walking in a
// circle, useful for exercising a single real client.
type DemoPeersConfig struct {
	Enable       bool          `yaml:"enable"`
	Count        int           `yaml:"count"`
	Team         string        `yaml:"team"`
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	RadiusM      float64       `yaml:"radius_m"`
	Period       time.Duration `yaml:"period"`
	Interval     time.Duration `yaml:"interval"`
}

type ClientConfig struct {
	ServerURL string `yaml:"server_url"`
	// Prefix is "" or "/api".
	Prefix string `yaml:"prefix"`
	H2C    bool   `yaml:"h2c"`
	Team   string `yaml:"team"`
	// StatusListen serves /api/status for the agent. Empty disables it.
	StatusListen string `yaml:"status_listen"`

	RetryDelay       time.Duration `yaml:"retry_delay"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PositionInterval time.Duration `yaml:"position_interval"`
	BearingInterval  time.Duration `yaml:"bearing_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	// KeepAlive re-sends state while idle; must stay below server.stale_after.
	KeepAlive time.Duration `yaml:"keep_alive"`
}

type SensorConfig struct {
	// Mode selects the tag transport: ble, sim, replay or none.
	Mode           string        `yaml:"mode"`
	DeviceName     string        `yaml:"device_name"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	Record         RecordConfig  `yaml:"record"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type GPSConfig struct {
	Enable     bool          `yaml:"enable"`
	Source     string        `yaml:"source"`
	GPSDAddr   string        `yaml:"gpsd_addr"`
	Device     string        `yaml:"device"`
	Baud       int           `yaml:"baud"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type SimConfig struct {
	Walk WalkSimConfig `yaml:"walk"`
	Tag  TagSimConfig  `yaml:"tag"`
}

type WalkSimConfig struct {
	Enable       bool          `yaml:"enable"`
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	RadiusM      float64       `yaml:"radius_m"`
	Period       time.Duration `yaml:"period"`
	Interval     time.Duration `yaml:"interval"`
	// ScenarioPath replaces the figure-eight with a scripted walk.
	ScenarioPath string `yaml:"scenario_path"`
	Loop         bool   `yaml:"loop"`
}

type TagSimConfig struct {
	Rate time.Duration `yaml:"rate"`
	// FollowWalk points the simulated tag along the walk heading instead of
	// spinning.
	FollowWalk bool `yaml:"follow_walk"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

// LoadDotEnv loads KEY=value pairs from paths (default ".env") into the
// process environment without overriding variables already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates. An empty path yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := decodeStrict(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv honours HOST and PORT for the server listen address and
// ALLY_SERVER_URL for the client.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	host, hostOK := lookup("HOST")
	port, portOK := lookup("PORT")
	if hostOK || portOK {
		curHost, curPort := "0.0.0.0", "8000"
		if cfg.Server.Listen != "" {
			if h, p, err := net.SplitHostPort(cfg.Server.Listen); err == nil {
				curHost, curPort = h, p
			}
		}
		if hostOK && strings.TrimSpace(host) != "" {
			curHost = strings.TrimSpace(host)
		}
		if portOK && strings.TrimSpace(port) != "" {
			curPort = strings.TrimSpace(port)
		}
		cfg.Server.Listen = net.JoinHostPort(curHost, curPort)
	}
	if v, ok := lookup("ALLY_SERVER_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.Client.ServerURL = strings.TrimSpace(v)
	}
}

// DefaultAndValidate fills zero values with defaults and rejects
// inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// Server.
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		cfg.Server.Listen = "0.0.0.0:8000"
	}
	if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
		return fmt.Errorf("server.listen: %w", err)
	}
	if cfg.Server.StaleAfter <= 0 {
		cfg.Server.StaleAfter = 30 * time.Second
	}
	if cfg.Server.SweepInterval <= 0 {
		cfg.Server.SweepInterval = 5 * time.Second
	}
	dp := &cfg.Server.DemoPeers
	if dp.Count <= 0 {
		dp.Count = 3
	}
	if dp.Team == "" {
		dp.Team = string(protocol.TeamRed)
	}
	if _, err := protocol.ParseTeam(dp.Team); err != nil {
		return fmt.Errorf("server.demo_peers.team: %w", err)
	}
	if dp.RadiusM <= 0 {
		dp.RadiusM = 150
	}
	if dp.Period <= 0 {
		dp.Period = 3 * time.Minute
	}
	if dp.Interval <= 0 {
		dp.Interval = time.Second
	}
	if dp.Enable && dp.Interval >= cfg.Server.StaleAfter {
		return fmt.Errorf("server.demo_peers.interval must be shorter than server.stale_after")
	}

	// Client.
	if strings.TrimSpace(cfg.Client.ServerURL) == "" {
		cfg.Client.ServerURL = "http://127.0.0.1:8000"
	}
	switch cfg.Client.Prefix {
	case "", protocol.AliasPrefix:
	default:
		return fmt.Errorf("client.prefix must be empty or %q", protocol.AliasPrefix)
	}
	if cfg.Client.Team == "" {
		cfg.Client.Team = string(protocol.DefaultTeam)
	}
	if _, err := protocol.ParseTeam(cfg.Client.Team); err != nil {
		return fmt.Errorf("client.team: %w", err)
	}
	if cfg.Client.RetryDelay <= 0 {
		cfg.Client.RetryDelay = 2 * time.Second
	}
	if cfg.Client.PollInterval <= 0 {
		cfg.Client.PollInterval = 500 * time.Millisecond
	}
	if cfg.Client.PositionInterval <= 0 {
		cfg.Client.PositionInterval = 50 * time.Millisecond
	}
	if cfg.Client.BearingInterval <= 0 {
		cfg.Client.BearingInterval = 100 * time.Millisecond
	}
	if cfg.Client.RequestTimeout <= 0 {
		cfg.Client.RequestTimeout = 10 * time.Second
	}
	if cfg.Client.KeepAlive <= 0 {
		cfg.Client.KeepAlive = 15 * time.Second
	}

	// Sensor.
	cfg.Sensor.Mode = strings.ToLower(strings.TrimSpace(cfg.Sensor.Mode))
	if cfg.Sensor.Mode == "" {
		cfg.Sensor.Mode = "ble"
	}
	switch cfg.Sensor.Mode {
	case "ble", "sim", "replay", "none":
	default:
		return fmt.Errorf("sensor.mode must be ble, sim, replay or none")
	}
	if cfg.Sensor.ReconnectDelay <= 0 {
		cfg.Sensor.ReconnectDelay = 5 * time.Second
	}
	if cfg.Sensor.ScanTimeout == 0 {
		cfg.Sensor.ScanTimeout = 15 * time.Second
	}
	if cfg.Sensor.Record.Enable {
		if cfg.Sensor.Mode == "replay" {
			return fmt.Errorf("sensor.record cannot be used with sensor.mode=replay")
		}
		if cfg.Sensor.Mode == "none" {
			return fmt.Errorf("sensor.record cannot be used with sensor.mode=none")
		}
		if cfg.Sensor.Record.Path == "" {
			return fmt.Errorf("sensor.record.path is required when sensor.record.enable is true")
		}
	}

	// Replay.
	if cfg.Sensor.Mode == "replay" {
		if cfg.Replay.Path == "" {
			return fmt.Errorf("replay.path is required when sensor.mode is replay")
		}
	}
	if cfg.Replay.Speed == 0 {
		cfg.Replay.Speed = 1
	}
	if cfg.Replay.Speed < 0 {
		return fmt.Errorf("replay.speed must be > 0")
	}

	// GPS and walk are two sources for the same fix stream.
	if cfg.GPS.Enable && cfg.Sim.Walk.Enable {
		return fmt.Errorf("gps.enable and sim.walk.enable cannot both be true")
	}
	if cfg.GPS.Source == "" {
		cfg.GPS.Source = "nmea"
	}
	switch cfg.GPS.Source {
	case "nmea", "gpsd":
	default:
		return fmt.Errorf("gps.source must be nmea or gpsd")
	}
	if cfg.GPS.Baud == 0 {
		cfg.GPS.Baud = 9600
	}
	if cfg.GPS.StaleAfter <= 0 {
		cfg.GPS.StaleAfter = 5 * time.Second
	}

	// Simulator defaults (safe even if disabled).
	w := &cfg.Sim.Walk
	if w.CenterLatDeg < -90 || w.CenterLatDeg > 90 || w.CenterLonDeg < -180 || w.CenterLonDeg > 180 {
		return fmt.Errorf("sim.walk center out of range")
	}
	if w.RadiusM <= 0 {
		w.RadiusM = 100
	}
	if w.Period <= 0 {
		w.Period = 5 * time.Minute
	}
	if w.Interval <= 0 {
		w.Interval = time.Second
	}
	if cfg.Sim.Tag.Rate <= 0 {
		cfg.Sim.Tag.Rate = 50 * time.Millisecond
	}
	if cfg.Sim.Tag.FollowWalk && !w.Enable {
		return fmt.Errorf("sim.tag.follow_walk requires sim.walk.enable")
	}

	// UDP.
	if cfg.UDP.Enable && strings.TrimSpace(cfg.UDP.Dest) == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestLoad_DefaultsApplied(t *testing.T) {
	t.Setenv("HOST", "")
	t.Setenv("PORT", "")
	t.Setenv("ALLY_SERVER_URL", "")
	path := writeTempConfig(t, "server: {}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:8000" {
		t.Fatalf("listen=%q", cfg.Server.Listen)
	}
	if cfg.Server.StaleAfter != 30*time.Second || cfg.Server.SweepInterval != 5*time.Second {
		t.Fatalf("registry timers=%s/%s", cfg.Server.StaleAfter, cfg.Server.SweepInterval)
	}
	if cfg.Client.Team != "blue" || cfg.Client.ServerURL != "http://127.0.0.1:8000" {
		t.Fatalf("client=%+v", cfg.Client)
	}
	if cfg.Client.RetryDelay != 2*time.Second || cfg.Client.PollInterval != 500*time.Millisecond {
		t.Fatalf("client retry/poll=%s/%s", cfg.Client.RetryDelay, cfg.Client.PollInterval)
	}
	if cfg.Client.PositionInterval != 50*time.Millisecond || cfg.Client.BearingInterval != 100*time.Millisecond {
		t.Fatalf("client throttles=%s/%s", cfg.Client.PositionInterval, cfg.Client.BearingInterval)
	}
	if cfg.Client.RequestTimeout != 10*time.Second {
		t.Fatalf("request timeout=%s", cfg.Client.RequestTimeout)
	}
	if cfg.Client.KeepAlive != 15*time.Second {
		t.Fatalf("keep alive=%s", cfg.Client.KeepAlive)
	}
	if cfg.Sensor.Mode != "ble" || cfg.Sensor.ReconnectDelay != 5*time.Second {
		t.Fatalf("sensor=%+v", cfg.Sensor)
	}
	if cfg.Replay.Speed != 1 || cfg.GPS.Baud != 9600 || cfg.GPS.Source != "nmea" {
		t.Fatalf("replay/gps defaults not applied")
	}
	// Simulator defaults should be populated even if sim is absent.
	if cfg.Sim.Walk.RadiusM <= 0 || cfg.Sim.Walk.Period <= 0 || cfg.Sim.Walk.Interval <= 0 || cfg.Sim.Tag.Rate <= 0 {
		t.Fatalf("expected sim defaults applied")
	}
}

func TestLoad_EmptyPathIsDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Sensor.Mode != "ble" {
		t.Fatalf("mode=%q", cfg.Sensor.Mode)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeTempConfig(t, "server:\n  lisen: ':1'\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{"PORT": "9000", "ALLY_SERVER_URL": " http://10.0.0.2:9000 "}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	var cfg Config
	cfg.Server.Listen = "127.0.0.1:8000"
	applyEnv(&cfg, lookup)
	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Fatalf("listen=%q", cfg.Server.Listen)
	}
	if cfg.Client.ServerURL != "http://10.0.0.2:9000" {
		t.Fatalf("server url=%q", cfg.Client.ServerURL)
	}

	env = map[string]string{"HOST": "::1"}
	cfg = Config{}
	applyEnv(&cfg, lookup)
	if cfg.Server.Listen != "[::1]:8000" {
		t.Fatalf("listen=%q", cfg.Server.Listen)
	}

	cfg = Config{}
	applyEnv(&cfg, noEnv)
	if cfg.Server.Listen != "" || cfg.Client.ServerURL != "" {
		t.Fatalf("no env must leave config untouched: %+v", cfg)
	}
}

func TestDefaultAndValidate_Rejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad team", "client:\n  team: green\n", `client.team: invalid team "green" (want red or blue)`},
		{"bad prefix", "client:\n  prefix: /v2\n", `client.prefix must be empty or "/api"`},
		{"bad mode", "sensor:\n  mode: usb\n", "sensor.mode must be ble, sim, replay or none"},
		{"replay without path", "sensor:\n  mode: replay\n", "replay.path is required when sensor.mode is replay"},
		{"record without path", "sensor:\n  record:\n    enable: true\n", "sensor.record.path is required when sensor.record.enable is true"},
		{"record during replay", "sensor:\n  mode: replay\n  record:\n    enable: true\n    path: x\nreplay:\n  path: y\n", "sensor.record cannot be used with sensor.mode=replay"},
		{"negative speed", "replay:\n  speed: -1\n", "replay.speed must be > 0"},
		{"gps and walk", "gps:\n  enable: true\nsim:\n  walk:\n    enable: true\n", "gps.enable and sim.walk.enable cannot both be true"},
		{"bad gps source", "gps:\n  source: usb\n", "gps.source must be nmea or gpsd"},
		{"follow without walk", "sim:\n  tag:\n    follow_walk: true\n", "sim.tag.follow_walk requires sim.walk.enable"},
		{"udp without dest", "udp:\n  enable: true\n", "udp.dest is required when udp.enable is true"},
		{"bad demo team", "server:\n  demo_peers:\n    team: x\n", `server.demo_peers.team: invalid team "x" (want red or blue)`},
		{"demo slower than sweep", "server:\n  stale_after: 1s\n  demo_peers:\n    enable: true\n    interval: 2s\n", "server.demo_peers.interval must be shorter than server.stale_after"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			if err := decodeStrict([]byte(tc.yaml), &cfg); err != nil {
				t.Fatalf("decode: %v", err)
			}
			requireErrEq(t, DefaultAndValidate(&cfg), tc.want)
		})
	}
}

func TestDefaultAndValidate_Nil(t *testing.T) {
	requireErrEq(t, DefaultAndValidate(nil), "config is nil")
}

func TestLoadDotEnv_MissingIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
}

func TestLoadDotEnv_SetsUnsetVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("ALLY_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("ALLY_TEST_DOTENV", "")
	os.Unsetenv("ALLY_TEST_DOTENV")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("ALLY_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("ALLY_TEST_DOTENV=%q", got)
	}
}

package config

import (
	stderrors "errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/vango-dev/wsbridge/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func errorCode(err error) string {
	var be *errors.BridgeError
	if stderrors.As(err, &be) {
		return be.Code
	}
	return ""
}

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Host != DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Session.ReconnectGrace != "1s" {
		t.Errorf("Session.ReconnectGrace = %q, want 1s", cfg.Session.ReconnectGrace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

// Each format decodes the same schema into the same Config.
func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"wsbridge.json": `{
  "port": 31000,
  "static": "public",
  "session": {"reconnectGrace": "250ms", "pullThreshold": 4096},
  "transport": {"maxBufferedBytes": 2048},
  "metrics": {"path": "/metrics"},
  "log": {"level": "debug"}
}`,
		"wsbridge.toml": `
port = 31000
static = "public"

[session]
reconnectGrace = "250ms"
pullThreshold = 4096

[transport]
maxBufferedBytes = 2048

[metrics]
path = "/metrics"

[log]
level = "debug"
`,
		"wsbridge.yaml": `
port: 31000
static: public
session:
  reconnectGrace: 250ms
  pullThreshold: 4096
transport:
  maxBufferedBytes: 2048
metrics:
  path: /metrics
log:
  level: debug
`,
	}

	want := New()
	want.Port = 31000
	want.Static = "public"
	want.Session.ReconnectGrace = "250ms"
	want.Session.PullThreshold = 4096
	want.Transport.MaxBufferedBytes = 2048
	want.Metrics.Path = "/metrics"
	want.Log.Level = "debug"

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), name, content)
			cfg, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if diff := cmp.Diff(want, cfg, cmpopts.IgnoreUnexported(Config{})); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
			if cfg.Path() != path {
				t.Errorf("Path() = %q, want %q", cfg.Path(), path)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantCode string
	}{
		{"bad json", "wsbridge.json", `{"port":`, "W002"},
		{"bad toml", "wsbridge.toml", `port = = 1`, "W002"},
		{"unknown extension", "wsbridge.ini", `port=1`, "W003"},
		{"bad duration", "wsbridge.json", `{"session":{"throttle":"fast"}}`, "W004"},
		{"negative duration", "wsbridge.json", `{"session":{"queryTimeout":"-1s"}}`, "W004"},
		{"port out of range", "wsbridge.json", `{"port":70000}`, "W005"},
		{"bad level", "wsbridge.yaml", "log:\n  level: loud\n", "W005"},
		{"bad log format", "wsbridge.json", `{"log":{"format":"xml"}}`, "W005"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := LoadFile(path)
			if got := errorCode(err); got != tt.wantCode {
				t.Errorf("LoadFile() error = %v, want code %s", err, tt.wantCode)
			}
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), ConfigFileName))
	if got := errorCode(err); got != "W001" {
		t.Errorf("missing file error = %v, want W001", err)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()

	if _, err := Find(dir); errorCode(err) != "W001" {
		t.Errorf("Find() on empty dir error = %v, want W001", err)
	}
	if Exists(dir) {
		t.Error("Exists() = true for empty dir")
	}

	yamlPath := writeFile(t, dir, "wsbridge.yaml", "port: 1\n")
	if got, err := Find(dir); err != nil || got != yamlPath {
		t.Errorf("Find() = %q, %v, want %q", got, err, yamlPath)
	}

	// json wins over yaml
	jsonPath := writeFile(t, dir, ConfigFileName, "{}")
	if got, _ := Find(dir); got != jsonPath {
		t.Errorf("Find() = %q, want %q", got, jsonPath)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want default", cfg.Port)
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "wsbridge.toml", "port = 1\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectRoot(nested)
	if err != nil {
		t.Fatalf("FindProjectRoot() error = %v", err)
	}
	want, _ := filepath.Abs(root)
	if got != want {
		t.Errorf("FindProjectRoot() = %q, want %q", got, want)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out.json", "out.toml", "out.yml"} {
		t.Run(name, func(t *testing.T) {
			cfg := New()
			cfg.Port = 32123
			cfg.Session.PullThreshold = 10

			path := filepath.Join(t.TempDir(), name)
			if err := cfg.SaveTo(path); err != nil {
				t.Fatalf("SaveTo() error = %v", err)
			}
			loaded, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if diff := cmp.Diff(cfg, loaded, cmpopts.IgnoreUnexported(Config{})); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if err := New().SaveTo(filepath.Join(t.TempDir(), "out.txt")); errorCode(err) != "W003" {
		t.Errorf("SaveTo(.txt) error = %v, want W003", err)
	}
}

func TestServerConfig(t *testing.T) {
	cfg := New()
	cfg.Session.ReconnectGrace = "2s"
	cfg.Session.Throttle = "50ms"
	cfg.Transport.WriteTimeout = "3s"
	cfg.Transport.AllowAnyOrigin = true
	cfg.Metrics.Path = "/m"

	sc, err := cfg.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if sc.Host != DefaultHost || sc.Port != DefaultPort || sc.MaxPortAttempts != 50 {
		t.Errorf("listener = %s:%d/%d", sc.Host, sc.Port, sc.MaxPortAttempts)
	}
	if sc.ReconnectGrace != 2*time.Second || sc.ThrottleDelay != 50*time.Millisecond ||
		sc.QueryTimeout != 10*time.Second || sc.WriteTimeout != 3*time.Second {
		t.Errorf("durations = %v %v %v %v", sc.ReconnectGrace, sc.ThrottleDelay, sc.QueryTimeout, sc.WriteTimeout)
	}
	if sc.MetricsPath != "/m" || sc.WebSocketPath != "/ws" {
		t.Errorf("paths = %q %q", sc.MetricsPath, sc.WebSocketPath)
	}

	req, _ := http.NewRequest("GET", "http://127.0.0.1:30000/ws", nil)
	req.Header.Set("Origin", "http://elsewhere")
	if sc.CheckOrigin == nil || !sc.CheckOrigin(req) {
		t.Error("AllowAnyOrigin should accept cross-origin upgrades")
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		cfg := New()
		cfg.Log.Level = tt.level
		got, err := cfg.LogLevel()
		if err != nil || got != tt.want {
			t.Errorf("LogLevel(%q) = %v, %v, want %v", tt.level, got, err, tt.want)
		}
	}
}

func TestStaticPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ConfigFileName, `{"static":"public"}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.StaticPath(); got != filepath.Join(dir, "public") {
		t.Errorf("StaticPath() = %q", got)
	}
	if !strings.HasSuffix(cfg.Dir(), filepath.Base(dir)) {
		t.Errorf("Dir() = %q", cfg.Dir())
	}

	cfg.Static = "/abs/www"
	if got := cfg.StaticPath(); got != "/abs/www" {
		t.Errorf("StaticPath() = %q, want absolute path kept", got)
	}
}

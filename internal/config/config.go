package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/wsbridge/internal/errors"
	"github.com/vango-dev/wsbridge/pkg/server"
)

const (
	// BaseName is the config file name without extension.
	BaseName = "wsbridge"

	// ConfigFileName is the default configuration file.
	ConfigFileName = BaseName + ".json"

	// DefaultHost is the default listen host.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the first port the server tries.
	DefaultPort = 30000
)

// extensions lists the supported formats in lookup order.
var extensions = []string{".json", ".toml", ".yaml", ".yml"}

// Config represents a wsbridge configuration file.
type Config struct {
	// Host is the interface to bind.
	Host string `json:"host,omitempty" toml:"host,omitempty" yaml:"host,omitempty"`

	// Port is the first port tried.
	Port int `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty"`

	// MaxPortAttempts is the number of ports probed, including Port.
	MaxPortAttempts int `json:"maxPortAttempts,omitempty" toml:"maxPortAttempts,omitempty" yaml:"maxPortAttempts,omitempty"`

	// Static is a directory served for plain GET requests.
	Static string `json:"static,omitempty" toml:"static,omitempty" yaml:"static,omitempty"`

	// Session contains session timing configuration.
	Session SessionConfig `json:"session" toml:"session" yaml:"session"`

	// Transport contains socket configuration.
	Transport TransportConfig `json:"transport" toml:"transport" yaml:"transport"`

	// Metrics contains the Prometheus endpoint configuration.
	Metrics MetricsConfig `json:"metrics" toml:"metrics" yaml:"metrics"`

	// Log contains logger configuration.
	Log LogConfig `json:"log" toml:"log" yaml:"log"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// SessionConfig contains session timing configuration.
type SessionConfig struct {
	// ReconnectGrace is how long to wait for the controller to come back
	// (e.g., "1s").
	ReconnectGrace string `json:"reconnectGrace,omitempty" toml:"reconnectGrace,omitempty" yaml:"reconnectGrace,omitempty"`

	// Throttle is the send delay applied under backpressure.
	Throttle string `json:"throttle,omitempty" toml:"throttle,omitempty" yaml:"throttle,omitempty"`

	// QueryAttempts is how many times a query is sent.
	QueryAttempts int `json:"queryAttempts,omitempty" toml:"queryAttempts,omitempty" yaml:"queryAttempts,omitempty"`

	// QueryTimeout bounds each query attempt.
	QueryTimeout string `json:"queryTimeout,omitempty" toml:"queryTimeout,omitempty" yaml:"queryTimeout,omitempty"`

	// PullThreshold moves larger messages to HTTP pulls. 0 disables it.
	PullThreshold int `json:"pullThreshold,omitempty" toml:"pullThreshold,omitempty" yaml:"pullThreshold,omitempty"`
}

// TransportConfig contains socket configuration.
type TransportConfig struct {
	// Path is the WebSocket upgrade path.
	Path string `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"`

	// MaxBufferedBytes is the per-peer write budget.
	MaxBufferedBytes int `json:"maxBufferedBytes,omitempty" toml:"maxBufferedBytes,omitempty" yaml:"maxBufferedBytes,omitempty"`

	// MaxMessageSize caps incoming messages.
	MaxMessageSize int64 `json:"maxMessageSize,omitempty" toml:"maxMessageSize,omitempty" yaml:"maxMessageSize,omitempty"`

	// WriteTimeout bounds a single socket write.
	WriteTimeout string `json:"writeTimeout,omitempty" toml:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`

	// AllowAnyOrigin disables the same-origin check on upgrades.
	AllowAnyOrigin bool `json:"allowAnyOrigin,omitempty" toml:"allowAnyOrigin,omitempty" yaml:"allowAnyOrigin,omitempty"`
}

// MetricsConfig contains the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Path mounts the metrics handler on the listener. Empty disables it.
	Path string `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"`
}

// LogConfig contains logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty" toml:"level,omitempty" yaml:"level,omitempty"`

	// Format is "text" or "json".
	Format string `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		MaxPortAttempts: 50,
		Session: SessionConfig{
			ReconnectGrace: "1s",
			Throttle:       "100ms",
			QueryAttempts:  5,
			QueryTimeout:   "10s",
		},
		Transport: TransportConfig{
			Path: "/ws",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load finds and reads the configuration in dir.
func Load(dir string) (*Config, error) {
	path, err := Find(dir)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads configuration from the specified file path. The format
// follows the file extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("W001").
				WithDetail("No config file at " + path).
				WithSuggestion("Pass --config with an existing file or create " + ConfigFileName)
		}
		return nil, errors.New("W002").Wrap(err)
	}

	cfg := New()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, errors.New("W003").
			WithDetail(fmt.Sprintf("%s has extension %q", filepath.Base(path), ext))
	}
	if err != nil {
		return nil, errors.New("W002").
			WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error()).
			WithSuggestion("Check the file syntax")
	}

	cfg.configPath = path
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes the configuration to path in the format its extension names.
func (c *Config) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		return errors.New("W003").WithDetail(filepath.Base(path))
	}
	if err != nil {
		return errors.New("W002").Wrap(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.New("W002").Wrap(err)
	}
	c.configPath = path
	return nil
}

// Path returns the path the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return "."
	}
	return filepath.Dir(c.configPath)
}

// StaticPath returns the static directory resolved against Dir.
func (c *Config) StaticPath() string {
	if c.Static == "" || filepath.IsAbs(c.Static) {
		return c.Static
	}
	return filepath.Join(c.Dir(), c.Static)
}

func (c *Config) applyDefaults() {
	d := New()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.MaxPortAttempts == 0 {
		c.MaxPortAttempts = d.MaxPortAttempts
	}
	if c.Session.ReconnectGrace == "" {
		c.Session.ReconnectGrace = d.Session.ReconnectGrace
	}
	if c.Session.Throttle == "" {
		c.Session.Throttle = d.Session.Throttle
	}
	if c.Session.QueryAttempts == 0 {
		c.Session.QueryAttempts = d.Session.QueryAttempts
	}
	if c.Session.QueryTimeout == "" {
		c.Session.QueryTimeout = d.Session.QueryTimeout
	}
	if c.Transport.Path == "" {
		c.Transport.Path = d.Transport.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("W005").
			WithDetail(fmt.Sprintf("port %d must be between 0 and 65535", c.Port))
	}
	if c.MaxPortAttempts < 0 {
		return errors.New("W005").
			WithDetail(fmt.Sprintf("maxPortAttempts %d must not be negative", c.MaxPortAttempts))
	}
	if c.Session.PullThreshold < 0 {
		return errors.New("W005").
			WithDetail(fmt.Sprintf("pullThreshold %d must not be negative", c.Session.PullThreshold))
	}
	for name, value := range map[string]string{
		"session.reconnectGrace": c.Session.ReconnectGrace,
		"session.throttle":       c.Session.Throttle,
		"session.queryTimeout":   c.Session.QueryTimeout,
		"transport.writeTimeout": c.Transport.WriteTimeout,
	} {
		if _, err := parseDuration(name, value); err != nil {
			return err
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.New("W005").
			WithDetail(fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	return nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, errors.New("W005").
			WithDetail(fmt.Sprintf("log.level %q is not a level", c.Log.Level)).
			WithSuggestion("Use debug, info, warn or error")
	}
	return level, nil
}

// ServerConfig converts the file into a server.Config. Logger, metrics and
// hooks are left for the caller.
func (c *Config) ServerConfig() (*server.Config, error) {
	sc := &server.Config{
		Host:             c.Host,
		Port:             c.Port,
		MaxPortAttempts:  c.MaxPortAttempts,
		QueryAttempts:    c.Session.QueryAttempts,
		PullThreshold:    c.Session.PullThreshold,
		WebSocketPath:    c.Transport.Path,
		MaxBufferedBytes: c.Transport.MaxBufferedBytes,
		MaxMessageSize:   c.Transport.MaxMessageSize,
		MetricsPath:      c.Metrics.Path,
	}

	var err error
	if sc.ReconnectGrace, err = parseDuration("session.reconnectGrace", c.Session.ReconnectGrace); err != nil {
		return nil, err
	}
	if sc.ThrottleDelay, err = parseDuration("session.throttle", c.Session.Throttle); err != nil {
		return nil, err
	}
	if sc.QueryTimeout, err = parseDuration("session.queryTimeout", c.Session.QueryTimeout); err != nil {
		return nil, err
	}
	if sc.WriteTimeout, err = parseDuration("transport.writeTimeout", c.Transport.WriteTimeout); err != nil {
		return nil, err
	}
	if c.Transport.AllowAnyOrigin {
		sc.CheckOrigin = func(*http.Request) bool { return true }
	}
	return sc, nil
}

// parseDuration treats an empty value as zero, which server.New replaces
// with its default.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, errors.New("W004").
			WithDetail(fmt.Sprintf("%s = %q", name, value))
	}
	return d, nil
}

// Exists reports whether dir holds a config file in any supported format.
func Exists(dir string) bool {
	_, err := Find(dir)
	return err == nil
}

// Find returns the first config file in dir, trying json, toml and yaml
// in that order.
func Find(dir string) (string, error) {
	for _, ext := range extensions {
		path := filepath.Join(dir, BaseName+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", errors.New("W001").
		WithDetail("No " + BaseName + ".{json,toml,yaml} found in " + dir).
		WithSuggestion("Pass --config or create " + ConfigFileName)
}

// FindProjectRoot walks up from startDir to the first directory holding a
// config file.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("W001").
				WithDetail("No " + BaseName + " config found in " + startDir + " or any parent directory")
		}
		dir = parent
	}
}

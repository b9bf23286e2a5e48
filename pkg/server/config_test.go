package server

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want loopback", config.Host)
	}
	if config.Port != 30000 {
		t.Errorf("Port = %d, want 30000", config.Port)
	}
	if config.MaxPortAttempts != 50 {
		t.Errorf("MaxPortAttempts = %d, want 50", config.MaxPortAttempts)
	}
	if config.ReconnectGrace != time.Second {
		t.Errorf("ReconnectGrace = %v, want 1s", config.ReconnectGrace)
	}
	if config.ThrottleDelay != 100*time.Millisecond {
		t.Errorf("ThrottleDelay = %v, want 100ms", config.ThrottleDelay)
	}
	if config.QueryAttempts <= 0 || config.QueryTimeout <= 0 {
		t.Error("query retry policy should be positive")
	}
	if config.PullThreshold != 0 {
		t.Error("pull mode should be off by default")
	}
	if config.PortFree == nil || config.CheckOrigin == nil {
		t.Error("PortFree and CheckOrigin should be set")
	}
}

func TestConfigFillDefaults(t *testing.T) {
	config := &Config{Port: 4000, ReconnectGrace: 5 * time.Second}
	config.fillDefaults()

	if config.Port != 4000 || config.ReconnectGrace != 5*time.Second {
		t.Errorf("fillDefaults() overwrote set fields: port %d grace %v", config.Port, config.ReconnectGrace)
	}
	if config.Host == "" || config.WebSocketPath != "/ws" || config.Logger == nil {
		t.Errorf("fillDefaults() left zero fields: %+v", config)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:   "defaults",
			config: *DefaultConfig(),
		},
		{
			name:    "negative port",
			config:  Config{Port: -1},
			wantErr: "out of range",
		},
		{
			name:    "port attempts past range",
			config:  Config{Port: 65530, MaxPortAttempts: 10},
			wantErr: "run past 65535",
		},
		{
			name:    "negative pull threshold",
			config:  Config{Port: 3000, MaxPortAttempts: 1, PullThreshold: -5},
			wantErr: "pull threshold",
		},
		{
			name:    "relative websocket path",
			config:  Config{Port: 3000, MaxPortAttempts: 1, WebSocketPath: "ws"},
			wantErr: "must start with /",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigClone(t *testing.T) {
	original := DefaultConfig().WithPort(31000)
	clone := original.Clone()

	clone.Port = 32000
	clone.Host = "0.0.0.0"

	if original.Port != 31000 || original.Host != "127.0.0.1" {
		t.Error("modifying clone affected original")
	}
	if (*Config)(nil).Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

func TestConfigHelpers(t *testing.T) {
	logger := discardLogger()
	config := (&Config{}).WithPort(1234).WithLogger(logger)

	if config.Port != 1234 {
		t.Errorf("WithPort() = %d", config.Port)
	}
	if config.Logger != logger {
		t.Error("WithLogger() did not set logger")
	}
}

func TestSameOriginCheck(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		origin string
		want   bool
	}{
		{
			name:   "no origin header",
			host:   "127.0.0.1:30000",
			origin: "",
			want:   true,
		},
		{
			name:   "same origin",
			host:   "127.0.0.1:30000",
			origin: "http://127.0.0.1:30000",
			want:   true,
		},
		{
			name:   "different origin",
			host:   "127.0.0.1:30000",
			origin: "http://malicious.com",
			want:   false,
		},
		{
			name:   "different port",
			host:   "127.0.0.1:30000",
			origin: "http://127.0.0.1:3000",
			want:   false,
		},
		{
			name:   "unparseable origin",
			host:   "127.0.0.1:30000",
			origin: "://bad",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "http://"+tt.host, nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			got := SameOriginCheck(req)
			if got != tt.want {
				t.Errorf("SameOriginCheck() = %v, want %v", got, tt.want)
			}
		})
	}
}

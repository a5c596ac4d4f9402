// Package config defines the application configuration for keymesh
// processes and a layered loader with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Transport mode constants.
const (
	ModeLocal    = "local"     // In-process only, no transport
	ModeNATS     = "nats"      // NATS subject mesh
	ModeWSHub    = "ws-hub"    // WebSocket hub, this process relays
	ModeWSClient = "ws-client" // WebSocket client dialing a hub
)

// Config represents the complete process configuration.
type Config struct {
	Mode      string          `json:"mode"`
	NATS      NATSConfig      `json:"nats,omitempty"`
	WebSocket WebSocketConfig `json:"websocket,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Session   SessionConfig   `json:"session,omitempty"`
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URL           string        `json:"url,omitempty"`
	Prefix        string        `json:"prefix,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	Stream        string        `json:"stream,omitempty"` // JetStream stream for reliable samples
}

// WebSocketConfig defines hub or client settings depending on the mode.
type WebSocketConfig struct {
	Addr      string `json:"addr,omitempty"` // hub listen address
	URL       string `json:"url,omitempty"`  // client dial URL
	Path      string `json:"path,omitempty"`
	SendQueue int    `json:"send_queue,omitempty"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// SessionConfig carries session-level tunables.
type SessionConfig struct {
	QueryTimeout    time.Duration `json:"query_timeout,omitempty"`
	SubscriberQueue int           `json:"subscriber_queue,omitempty"`
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal:
	case ModeNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required in %s mode", ModeNATS)
		}
		if c.NATS.Prefix == "" {
			return fmt.Errorf("nats.prefix is required in %s mode", ModeNATS)
		}
		if !isValidSubjectPart(c.NATS.Prefix) {
			return fmt.Errorf("nats.prefix %q is not valid for NATS subjects", c.NATS.Prefix)
		}
	case ModeWSHub:
		if c.WebSocket.Addr == "" {
			return fmt.Errorf("websocket.addr is required in %s mode", ModeWSHub)
		}
	case ModeWSClient:
		if c.WebSocket.URL == "" {
			return fmt.Errorf("websocket.url is required in %s mode", ModeWSClient)
		}
		if !strings.HasPrefix(c.WebSocket.URL, "ws://") && !strings.HasPrefix(c.WebSocket.URL, "wss://") {
			return fmt.Errorf("websocket.url must use a ws:// or wss:// scheme")
		}
	default:
		return fmt.Errorf("mode %q is not one of %s, %s, %s, %s",
			c.Mode, ModeLocal, ModeNATS, ModeWSHub, ModeWSClient)
	}

	if c.WebSocket.SendQueue < 0 {
		return fmt.Errorf("websocket.send_queue cannot be negative")
	}
	if c.Session.QueryTimeout < 0 {
		return fmt.Errorf("session.query_timeout cannot be negative")
	}
	if c.Session.SubscriberQueue < 0 {
		return fmt.Errorf("session.subscriber_queue cannot be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// isValidSubjectPart checks if a string is valid as a NATS subject prefix.
// Valid characters are alphanumeric, dashes, and underscores.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		ok := r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "KEYMESH",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers, then applies
// environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		Mode: ModeLocal,
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Prefix:        "keymesh",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Addr:      ":8800",
			Path:      "/mesh",
			SendQueue: 256,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Session: SessionConfig{
			QueryTimeout:    10 * time.Second,
			SubscriberQueue: 256,
		},
	}
}

// applyEnvOverrides overlays KEYMESH_* environment variables onto cfg.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if v := l.env("MODE"); v != "" {
		cfg.Mode = v
	}
	if v := l.env("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := l.env("NATS_PREFIX"); v != "" {
		cfg.NATS.Prefix = v
	}
	if v := l.env("NATS_USERNAME"); v != "" {
		cfg.NATS.Username = v
	}
	if v := l.env("NATS_PASSWORD"); v != "" {
		cfg.NATS.Password = v
	}
	if v := l.env("NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}
	if v := l.env("NATS_STREAM"); v != "" {
		cfg.NATS.Stream = v
	}
	if v := l.env("WS_ADDR"); v != "" {
		cfg.WebSocket.Addr = v
	}
	if v := l.env("WS_URL"); v != "" {
		cfg.WebSocket.URL = v
	}
	if v := l.env("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	if v := l.env("METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = enabled
		}
	}
	if v := l.env("QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.QueryTimeout = d
		}
	}
}

func (l *Loader) env(suffix string) string {
	return os.Getenv(l.envPrefix + "_" + suffix)
}

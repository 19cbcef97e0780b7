// Package config handles client configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// Config is the top-level client configuration.
type Config struct {
	Hub       HubConfig       `json:"hub"`
	Client    ClientConfig    `json:"client"`
	Execution ExecutionConfig `json:"execution"`
	Storage   StorageConfig   `json:"storage"`
	Control   ControlConfig   `json:"control"`
	Logging   LoggingConfig   `json:"logging"`
}

// HubConfig defines how the client reaches the hub and how it recovers
// from a lost connection.
type HubConfig struct {
	URL                      string   `json:"url"` // e.g. "ws://localhost:8080/ws"
	Token                    string   `json:"token,omitempty"`
	UserID                   string   `json:"user_id,omitempty"`
	Format                   string   `json:"format,omitempty"` // "envelope" (default) or "legacy"
	MaxReconnectAttempts     int      `json:"max_reconnect_attempts,omitempty"`
	ReconnectBaseDelay       Duration `json:"reconnect_base_delay,omitempty"`
	ConnectedPollInterval    Duration `json:"connected_poll_interval,omitempty"`
	DisconnectedPollInterval Duration `json:"disconnected_poll_interval,omitempty"`
	ConnectionTimeout        Duration `json:"connection_timeout,omitempty"`
}

// ClientConfig describes what the client announces at registration.
type ClientConfig struct {
	Type         string         `json:"client_type,omitempty"` // cli (default), hardware, browser_extension
	Capabilities []string       `json:"capabilities,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ExecutionConfig bounds local tool runs.
type ExecutionConfig struct {
	DefaultTimeout Duration `json:"default_timeout,omitempty"`
	MaxFetchBytes  int64    `json:"max_fetch_bytes,omitempty"` // fetch_page body cap; default 2MB
}

// StorageConfig selects where the session id is persisted.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "file" (default), "sqlite" or "memory"
	Path   string `json:"path,omitempty"`
}

// ControlConfig enables the local control socket used by the status
// command. Empty Socket disables it.
type ControlConfig struct {
	Socket string `json:"socket,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a config-friendly time.Duration. It accepts "1.5s" style
// strings or a number of milliseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Millisecond))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalize validates c and fills in defaults.
func (c *Config) Finalize() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	c.applyDefaults()
	return nil
}

func (c *Config) validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	u, err := url.Parse(c.Hub.URL)
	if err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub.url must use ws or wss, got %q", u.Scheme)
	}
	if _, err := protocol.ParseFormat(c.Hub.Format); err != nil {
		return fmt.Errorf("hub.format: %w", err)
	}
	if c.Hub.MaxReconnectAttempts < 0 {
		return fmt.Errorf("hub.max_reconnect_attempts must not be negative")
	}
	if c.Client.Type != "" && !protocol.ClientType(c.Client.Type).Known() {
		return fmt.Errorf("client.client_type %q is not a known client type", c.Client.Type)
	}
	switch c.Storage.Driver {
	case "", "file", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver must be file, sqlite or memory, got %q", c.Storage.Driver)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Hub.Format == "" {
		c.Hub.Format = string(protocol.FormatEnvelope)
	}
	if c.Hub.MaxReconnectAttempts == 0 {
		c.Hub.MaxReconnectAttempts = 5
	}
	if c.Hub.ReconnectBaseDelay.Duration == 0 {
		c.Hub.ReconnectBaseDelay.Duration = 1000 * time.Millisecond
	}
	if c.Hub.ConnectedPollInterval.Duration == 0 {
		c.Hub.ConnectedPollInterval.Duration = 30 * time.Second
	}
	if c.Hub.DisconnectedPollInterval.Duration == 0 {
		c.Hub.DisconnectedPollInterval.Duration = 5 * time.Second
	}
	if c.Hub.ConnectionTimeout.Duration == 0 {
		c.Hub.ConnectionTimeout.Duration = 10 * time.Second
	}
	if c.Client.Type == "" {
		c.Client.Type = string(protocol.ClientCLI)
	}
	if c.Client.UserAgent == "" {
		c.Client.UserAgent = "toolbridge-client"
	}
	if c.Execution.DefaultTimeout.Duration == 0 {
		c.Execution.DefaultTimeout.Duration = 30 * time.Second
	}
	if c.Execution.MaxFetchBytes == 0 {
		c.Execution.MaxFetchBytes = 2 << 20
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "sqlite":
			c.Storage.Path = "toolbridge-client.db"
		case "file":
			c.Storage.Path = "toolbridge-client-state.json"
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/amurg-ai/toolbridge/pkg/protocol"
)

// EnvJWTSecret overrides auth.jwt_secret when set.
const EnvJWTSecret = "TOOLBRIDGE_JWT_SECRET"

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Clients   ClientsConfig   `json:"clients"`
	Execution ExecutionConfig `json:"execution"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr               string   `json:"addr"` // e.g. ":8080"
	TLSCert            string   `json:"tls_cert,omitempty"`
	TLSKey             string   `json:"tls_key,omitempty"`
	AllowedOrigins     []string `json:"allowed_origins,omitempty"`     // WebSocket origins; default ["*"]
	MaxBodyBytes       int64    `json:"max_body_bytes,omitempty"`      // default 1MB
	MaxMessageBytes    int64    `json:"max_message_bytes,omitempty"`   // max inbound frame; default 256KB
	ShutdownTimeout    Duration `json:"shutdown_timeout,omitempty"`    // default 30s
	ServerCapabilities []string `json:"server_capabilities,omitempty"` // advertised in registration_confirmed
}

// AuthConfig defines how session tokens and API callers are authenticated.
type AuthConfig struct {
	JWTSecret            string        `json:"jwt_secret,omitempty"`
	JWTExpiry            Duration      `json:"jwt_expiry,omitempty"`
	Issuer               string        `json:"issuer,omitempty"`      // iss for minted tokens
	JWKSURL              string        `json:"jwks_url,omitempty"`    // external identity provider keys
	JWKSIssuer           string        `json:"jwks_issuer,omitempty"` // expected iss for JWKS tokens
	APIKeys              []APIKeyEntry `json:"api_keys,omitempty"`
	RequireAuth          bool          `json:"require_auth,omitempty"`          // reject registrations without a valid token
	AnonymousPermissions []string      `json:"anonymous_permissions,omitempty"` // granted to unauthenticated clients
	EnforcePermissions   bool          `json:"enforce_permissions,omitempty"`   // check tool:<name> before dispatch
}

// APIKeyEntry is a bcrypt-hashed static credential.
type APIKeyEntry struct {
	Name        string   `json:"name"`
	Hash        string   `json:"hash"` // bcrypt hash, see "toolbridge-hub hash-key"
	UserID      string   `json:"user_id,omitempty"`
	Role        string   `json:"role,omitempty"` // "admin" or "user"
	Permissions []string `json:"permissions,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "toolbridge.db" or ":memory:"
	Retention      Duration `json:"retention,omitempty"`       // execution history retention
	AuditRetention Duration `json:"audit_retention,omitempty"` // defaults to Retention
}

// ClientsConfig bounds what connected clients may declare and send.
type ClientsConfig struct {
	Format             string  `json:"format,omitempty"` // "envelope" (default) or "legacy"
	MaxCapabilities    int     `json:"max_capabilities,omitempty"`
	MaxMetadataBytes   int     `json:"max_metadata_bytes,omitempty"`
	MaxUserAgentLength int     `json:"max_user_agent_length,omitempty"`
	MessagesPerSecond  float64 `json:"messages_per_second,omitempty"` // inbound per connection; default 30
	MessageBurst       int     `json:"message_burst,omitempty"`       // default 50
	DedupWindow        int     `json:"dedup_window,omitempty"`        // recent envelope ids remembered; default 256
}

// ExecutionConfig defines tool execution behavior.
type ExecutionConfig struct {
	DefaultTimeout Duration `json:"default_timeout,omitempty"` // default 30s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP API rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a config-friendly time.Duration. It accepts "30s" style
// strings or a number of seconds.
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
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. The format follows the file
// extension: .yaml/.yml, .toml, anything else is JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data, err = toJSON(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if secret := os.Getenv(EnvJWTSecret); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalize validates c and fills in defaults. Load calls it; code that
// builds a Config by hand must call it too.
func (c *Config) Finalize() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	c.applyDefaults()
	return nil
}

// toJSON re-encodes YAML and TOML documents as JSON so one set of struct
// tags and one Duration decoder serve every format.
func toJSON(ext string, data []byte) ([]byte, error) {
	var doc map[string]any
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
	default:
		return data, nil
	}
	return json.Marshal(doc)
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.RequireAuth && c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.require_auth needs jwt_secret, jwks_url or api_keys")
	}
	for i, k := range c.Auth.APIKeys {
		if k.Name == "" || k.Hash == "" {
			return fmt.Errorf("auth.api_keys[%d]: name and hash are required", i)
		}
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	if _, err := protocol.ParseFormat(c.Clients.Format); err != nil {
		return fmt.Errorf("clients.format: %w", err)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "toolbridge-hub"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 256 * 1024 // 256KB
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 30 * time.Second
	}
	if len(c.Server.ServerCapabilities) == 0 {
		c.Server.ServerCapabilities = []string{"chat", "tool_execution", "status_broadcast"}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "toolbridge.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	if c.Clients.Format == "" {
		c.Clients.Format = string(protocol.FormatEnvelope)
	}
	if c.Clients.MaxCapabilities == 0 {
		c.Clients.MaxCapabilities = 50
	}
	if c.Clients.MaxMetadataBytes == 0 {
		c.Clients.MaxMetadataBytes = 10000
	}
	if c.Clients.MaxUserAgentLength == 0 {
		c.Clients.MaxUserAgentLength = 500
	}
	if c.Clients.MessagesPerSecond == 0 {
		c.Clients.MessagesPerSecond = 30
	}
	if c.Clients.MessageBurst == 0 {
		c.Clients.MessageBurst = 50
	}
	if c.Clients.DedupWindow == 0 {
		c.Clients.DedupWindow = 256
	}
	if c.Execution.DefaultTimeout.Duration == 0 {
		c.Execution.DefaultTimeout.Duration = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

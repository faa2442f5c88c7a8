// Package config decodes conduit's YAML configuration file (§6),
// following the teacher's strict-decode-plus-validate pattern from
// internal/util.go (goccy/go-yaml + go-playground/validator).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/conduitmcp/conduit/internal/util"
)

// PersistenceConfig configures the C12 port.
type PersistenceConfig struct {
	Enabled bool              `yaml:"enabled"`
	Adapter string            `yaml:"adapter" validate:"required_if=Enabled true"`
	Options map[string]string `yaml:"options"`
}

// AuthorizationConfig configures the C13 port.
type AuthorizationConfig struct {
	Validator             string   `yaml:"validator"`
	AuthorizationServers   []string `yaml:"authorizationServers"`
	Realm                  string   `yaml:"realm"`
	ScopesSupported        []string `yaml:"scopesSupported"`
	Audience               string   `yaml:"audience"`
	JWTSecretEnv           string   `yaml:"jwtSecretEnv"`
	PolicyExpr             string   `yaml:"policyExpr"`
}

// Config is the root configuration document, matching §6's enumerated
// keys (all optional unless noted).
type Config struct {
	ProtocolVersions          []string             `yaml:"protocolVersions"`
	RequestTimeoutMS          int                  `yaml:"requestTimeout"`
	SessionHeader             string               `yaml:"sessionHeader"`
	SessionTTLSeconds         int                  `yaml:"sessionTTL"`
	PaginationDefaultLimit    int                  `yaml:"paginationDefaultLimit"`
	SSEKeepaliveSeconds       int                  `yaml:"sseKeepaliveInterval"`
	BackpressureHighWaterMark int                  `yaml:"backpressureHighWaterMark" validate:"gte=0"`
	Persistence               PersistenceConfig    `yaml:"persistence"`
	Authorization             AuthorizationConfig  `yaml:"authorization"`

	Address       string `yaml:"address"`
	Port          int    `yaml:"port" validate:"gte=0,lte=65535"`
	LogLevel      string `yaml:"logLevel"`
	LoggingFormat string `yaml:"loggingFormat"`
}

// withDefaults fills in every optional key's documented default.
func (c *Config) withDefaults() {
	if len(c.ProtocolVersions) == 0 {
		c.ProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}
	}
	if c.RequestTimeoutMS == 0 {
		c.RequestTimeoutMS = 30000
	}
	if c.SessionHeader == "" {
		c.SessionHeader = "mcp-session-id"
	}
	if c.SessionTTLSeconds == 0 {
		c.SessionTTLSeconds = 1800
	}
	if c.PaginationDefaultLimit == 0 {
		c.PaginationDefaultLimit = 50
	}
	if c.SSEKeepaliveSeconds == 0 {
		c.SSEKeepaliveSeconds = 15
	}
	if c.BackpressureHighWaterMark == 0 {
		c.BackpressureHighWaterMark = 1000
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.Address == "" {
		c.Address = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 5000
	}
}

// RequestTimeout is RequestTimeoutMS as a time.Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// SessionTTL is SessionTTLSeconds as a time.Duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// SSEKeepalive is SSEKeepaliveSeconds as a time.Duration.
func (c *Config) SSEKeepalive() time.Duration {
	return time.Duration(c.SSEKeepaliveSeconds) * time.Second
}

// Load reads, env-interpolates, strict-decodes, and validates a
// configuration file at path. Missing optional keys are filled with
// their documented defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	interpolated := util.ParseEnv(string(raw))

	decoder := util.NewStrictDecoderFromBytes([]byte(interpolated))
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %q: %w", path, err)
	}
	cfg.withDefaults()
	return &cfg, nil
}

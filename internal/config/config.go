// Package config defines the proxy configuration tree, defaults and the
// viper-backed loader.
package config

import (
	"fmt"
	"time"
)

const (
	defaultListen = ":8080"

	// DevSharedSecret is the fallback HS256 secret used when no signing
	// secret is configured. Matches the platform's dev default so locally
	// issued tokens verify out of the box.
	DevSharedSecret = "dev-secret-change-in-production"
)

// Config is the root configuration structure.
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	Platform  *PlatformConfig      `json:"platform,omitempty" mapstructure:"platform"`
	Auth      *AuthConfig          `json:"auth,omitempty" mapstructure:"auth"`
	Redis     *RedisConfig         `json:"redis,omitempty" mapstructure:"redis"`
	Sessions  *SessionConfig       `json:"sessions,omitempty" mapstructure:"sessions"`
	Inspector *InspectorConfig     `json:"inspector,omitempty" mapstructure:"inspector"`
	Logging   *LogConfig           `json:"logging,omitempty" mapstructure:"logging"`
	Telemetry *TelemetryConfig     `json:"telemetry,omitempty" mapstructure:"telemetry"`

	// CallTimeout bounds a single JSON-RPC round-trip to a child when the
	// caller supplies no deadline of its own.
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call-timeout"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// PlatformConfig points at the platform API used for API-key validation,
// group policy lookups, audit intake and embeddings.
type PlatformConfig struct {
	BaseURL     string        `json:"base_url" mapstructure:"base-url"`
	InternalURL string        `json:"internal_url" mapstructure:"internal-url"`
	InternalKey string        `json:"internal_key,omitempty" mapstructure:"internal-key"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// AuthConfig carries the identity-provider and local-token settings.
type AuthConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	TenantID     string `json:"tenant_id" mapstructure:"tenant-id"`
	ClientID     string `json:"client_id" mapstructure:"client-id"`
	ClientSecret string `json:"client_secret,omitempty" mapstructure:"client-secret"`

	// SharedSecret verifies locally signed HS256 tokens issued by the
	// platform API.
	SharedSecret string `json:"shared_secret,omitempty" mapstructure:"shared-secret"`

	// InternalKeys maps a service name to its bearer key. A presented
	// token equal to one of these values authenticates the named service.
	InternalKeys map[string]string `json:"internal_keys,omitempty" mapstructure:"internal-keys"`

	AuthorizedGroups []string `json:"authorized_groups,omitempty" mapstructure:"authorized-groups"`
	AdminGroups      []string `json:"admin_groups,omitempty" mapstructure:"admin-groups"`

	// UseSharedSP disables per-user token exchange: children run on their
	// configured service principal credentials regardless of caller.
	UseSharedSP bool `json:"use_shared_sp" mapstructure:"use-shared-sp"`

	// RedirectURI is where the IdP sends the browser after login.
	RedirectURI string `json:"redirect_uri" mapstructure:"redirect-uri"`
}

// RedisConfig locates the key-value store holding enabled flags and web
// sessions.
type RedisConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Password string `json:"password,omitempty" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// Addr returns host:port for the go-redis client.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SessionConfig tunes the per-user session fleet.
type SessionConfig struct {
	MaxIdle       time.Duration `json:"max_idle" mapstructure:"max-idle"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep-interval"`
	StartDelay    time.Duration `json:"start_delay" mapstructure:"start-delay"`
}

// InspectorConfig configures the reverse proxy to the MCP inspector UI.
type InspectorConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	UIOrigin string `json:"ui_origin" mapstructure:"ui-origin"`
}

// TelemetryConfig controls the metrics endpoint and OTLP tracing.
type TelemetryConfig struct {
	MetricsEnabled bool    `json:"metrics_enabled" mapstructure:"metrics-enabled"`
	TracingEnabled bool    `json:"tracing_enabled" mapstructure:"tracing-enabled"`
	OTLPEndpoint   string  `json:"otlp_endpoint,omitempty" mapstructure:"otlp-endpoint"`
	ServiceName    string  `json:"service_name" mapstructure:"service-name"`
	SampleRatio    float64 `json:"sample_ratio" mapstructure:"sample-ratio"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		DataDir:     "", // resolved by the loader
		CallTimeout: 30 * time.Second,

		Platform: &PlatformConfig{
			BaseURL:     "http://agenticworkchat-api:3000",
			InternalURL: "http://agenticwork-api:8000",
			Timeout:     10 * time.Second,
		},

		Auth: &AuthConfig{
			Enabled:      true,
			SharedSecret: DevSharedSecret,
			InternalKeys: map[string]string{},
			RedirectURI:  "http://localhost:8080/auth/callback",
		},

		Redis: &RedisConfig{
			Host: "redis",
			Port: 6379,
		},

		Sessions: &SessionConfig{
			MaxIdle:       60 * time.Minute,
			SweepInterval: 15 * time.Minute,
			StartDelay:    2 * time.Second,
		},

		Inspector: &InspectorConfig{
			Enabled:  false,
			UIOrigin: "http://localhost:6274",
		},

		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},

		Telemetry: &TelemetryConfig{
			MetricsEnabled: true,
			TracingEnabled: false,
			ServiceName:    "mcp-proxy",
			SampleRatio:    1.0,
		},
	}
}

// Validate normalizes the configuration and rejects combinations the
// proxy cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}

	if c.Platform == nil {
		c.Platform = DefaultConfig().Platform
	}
	if c.Platform.Timeout <= 0 {
		c.Platform.Timeout = 10 * time.Second
	}

	if c.Auth == nil {
		c.Auth = DefaultConfig().Auth
	}
	if c.Auth.InternalKeys == nil {
		c.Auth.InternalKeys = map[string]string{}
	}
	if c.Auth.SharedSecret == "" {
		c.Auth.SharedSecret = DevSharedSecret
	}
	if c.Auth.Enabled && c.Auth.TenantID == "" {
		return fmt.Errorf("auth enabled but tenant-id is empty")
	}
	if c.Auth.Enabled && c.Auth.ClientID == "" {
		return fmt.Errorf("auth enabled but client-id is empty")
	}

	if c.Redis == nil {
		c.Redis = DefaultConfig().Redis
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is empty")
	}
	if c.Redis.Port <= 0 {
		c.Redis.Port = 6379
	}

	if c.Sessions == nil {
		c.Sessions = DefaultConfig().Sessions
	}
	if c.Sessions.MaxIdle <= 0 {
		c.Sessions.MaxIdle = 60 * time.Minute
	}
	if c.Sessions.SweepInterval <= 0 {
		c.Sessions.SweepInterval = 15 * time.Minute
	}
	if c.Sessions.StartDelay <= 0 {
		c.Sessions.StartDelay = 2 * time.Second
	}

	if c.Inspector == nil {
		c.Inspector = DefaultConfig().Inspector
	}
	if c.Logging == nil {
		c.Logging = DefaultConfig().Logging
	}
	if c.Telemetry == nil {
		c.Telemetry = DefaultConfig().Telemetry
	}
	if c.Telemetry.SampleRatio <= 0 || c.Telemetry.SampleRatio > 1 {
		c.Telemetry.SampleRatio = 1.0
	}

	return nil
}

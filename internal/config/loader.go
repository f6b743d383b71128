package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".mcp-proxy"
	ConfigFileName = "proxy_config.json"
)

// Load builds the configuration from defaults, an optional JSON config
// file, viper-bound flags and environment variables, in that order.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	setupViper()

	configPath := viper.GetString("config")
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if found, location, err := findConfigFile(); found {
		if err != nil {
			return nil, err
		}
		if err := loadConfigFile(location, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", location, err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := resolveDataDir(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file, applying env
// overrides and validation.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := resolveDataDir(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setupViper configures viper with environment variable handling.
func setupViper() {
	viper.SetEnvPrefix("MCPPROXY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.SetDefault("listen", defaultListen)
	viper.SetDefault("config", "")
	viper.SetDefault("call-timeout", 30*time.Second)

	viper.SetDefault("platform.base-url", "http://agenticworkchat-api:3000")
	viper.SetDefault("platform.internal-url", "http://agenticwork-api:8000")
	viper.SetDefault("platform.timeout", 10*time.Second)

	viper.SetDefault("auth.enabled", true)
	viper.SetDefault("auth.redirect-uri", "http://localhost:8080/auth/callback")

	viper.SetDefault("redis.host", "redis")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("sessions.max-idle", 60*time.Minute)
	viper.SetDefault("sessions.sweep-interval", 15*time.Minute)
	viper.SetDefault("sessions.start-delay", 2*time.Second)

	viper.SetDefault("inspector.enabled", false)
	viper.SetDefault("inspector.ui-origin", "http://localhost:6274")

	viper.SetDefault("telemetry.metrics-enabled", true)
	viper.SetDefault("telemetry.tracing-enabled", false)
	viper.SetDefault("telemetry.service-name", "mcp-proxy")
	viper.SetDefault("telemetry.sample-ratio", 1.0)
}

// applyEnvOverrides honors the deployment's established environment
// variable names. These predate the structured MCPPROXY_* scheme and
// remain the way the platform compose files configure the proxy.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Listen = ":" + v
	}

	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.Platform.BaseURL = v
	}
	if v := os.Getenv("API_INTERNAL_URL"); v != "" {
		cfg.Platform.InternalURL = v
	}
	if v := os.Getenv("API_INTERNAL_KEY"); v != "" {
		cfg.Platform.InternalKey = v
		cfg.Auth.InternalKeys["api"] = v
	}
	if v := os.Getenv("FLOWISE_INTERNAL_API_KEY"); v != "" {
		cfg.Auth.InternalKeys["flowise"] = v
	} else if _, ok := cfg.Auth.InternalKeys["flowise"]; !ok {
		cfg.Auth.InternalKeys["flowise"] = "flowise-internal"
	}

	if v := os.Getenv("ENABLE_AUTH"); v != "" {
		cfg.Auth.Enabled = parseBool(v)
	}
	if v := firstEnv("AZURE_TENANT_ID", "AZURE_AD_TENANT_ID"); v != "" {
		cfg.Auth.TenantID = v
	}
	if v := firstEnv("AZURE_CLIENT_ID", "AZURE_AD_CLIENT_ID"); v != "" {
		cfg.Auth.ClientID = v
	}
	if v := firstEnv("AZURE_CLIENT_SECRET", "AZURE_AD_CLIENT_SECRET"); v != "" {
		cfg.Auth.ClientSecret = v
	}
	if v := firstEnv("JWT_SECRET", "SIGNING_SECRET", "INTERNAL_JWT_SECRET"); v != "" {
		cfg.Auth.SharedSecret = v
	}
	if v := os.Getenv("AAD_AUTHORIZED_USER_GROUPS"); v != "" {
		cfg.Auth.AuthorizedGroups = splitCSV(v)
	}
	if v := os.Getenv("AAD_AUTHORIZED_ADMIN_GROUPS"); v != "" {
		cfg.Auth.AdminGroups = splitCSV(v)
	}
	if v := os.Getenv("AZURE_MCP_USE_SHARED_SP"); v != "" {
		cfg.Auth.UseSharedSP = parseBool(v)
	}
	if v := os.Getenv("MCP_PROXY_REDIRECT_URI"); v != "" {
		cfg.Auth.RedirectURI = v
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("ENABLE_INSPECTOR"); v != "" {
		cfg.Inspector.Enabled = parseBool(v)
	}
}

func findConfigFile() (found bool, path string, err error) {
	locations := []string{
		ConfigFileName,
		filepath.Join(".", ConfigFileName),
	}
	if homeDir, herr := os.UserHomeDir(); herr == nil {
		locations = append(locations, filepath.Join(homeDir, DefaultDataDir, ConfigFileName))
	}

	for _, location := range locations {
		if _, serr := os.Stat(location); serr == nil {
			return true, location, nil
		}
	}
	return false, "", nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Empty file (including /dev/null) means defaults only.
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func resolveDataDir(cfg *Config) error {
	if cfg.DataDir == "" {
		if v := os.Getenv("MCPPROXY_DATA"); v != "" {
			cfg.DataDir = v
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get user home directory: %w", err)
			}
			cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	return nil
}

// SaveConfig writes the configuration to a file.
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

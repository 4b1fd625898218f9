// Package config provides configuration management for the KiroGate API server.
// It merges three sources, lowest precedence first: built-in defaults, an optional
// YAML file, and process environment variables. Environment always wins so that
// container deployments can override a baked-in config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEncryptKey is the key shipped for local development. Startup refuses to
// run with it when Environment is "production".
const DefaultEncryptKey = "kirogate-default-insecure-key-change-me"

// SupportedRegions is the closed set of regions a Kiro token may declare.
var SupportedRegions = []string{"us-east-1", "ap-southeast-1", "eu-west-1"}

// Config represents the application's configuration.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`

	// Host is the listen address. Empty means all interfaces.
	Host string `yaml:"host"`

	// Debug enables gin debug mode and debug-level logging.
	Debug bool `yaml:"debug"`

	// Environment is "production" or anything else; production enforces a
	// non-default encryption key.
	Environment string `yaml:"environment"`

	// LoggingToFile switches logrus output to a rotating file under logs/.
	LoggingToFile bool `yaml:"logging-to-file"`

	// DatabaseURL selects the store backend: a bare path or sqlite:// URL opens
	// the embedded engine, postgres:// opens a server backend.
	DatabaseURL string `yaml:"database-url"`

	// TokenEncryptKey is the symmetric key material protecting stored secrets.
	TokenEncryptKey string `yaml:"token-encrypt-key"`

	// AdminKey authorizes the /admin/api routes. Empty disables them.
	AdminKey string `yaml:"admin-key"`

	// ProxyURL routes outbound upstream traffic through an http(s) or socks5 proxy.
	ProxyURL string `yaml:"proxy-url"`

	// HealthCheckInterval is the pause between health-check cycles.
	HealthCheckInterval time.Duration `yaml:"health-check-interval"`

	// FirstTokenTimeout bounds the wait for the first upstream byte.
	FirstTokenTimeout time.Duration `yaml:"first-token-timeout"`

	// StreamReadTimeout bounds a single inter-frame read on an open stream.
	StreamReadTimeout time.Duration `yaml:"stream-read-timeout"`

	// RequestTimeout is the total per-request deadline.
	RequestTimeout time.Duration `yaml:"request-timeout"`

	// PingInterval is the cadence of ": ping" comment lines while buffering.
	PingInterval time.Duration `yaml:"ping-interval"`

	// MetricsEnabled toggles the Prometheus middleware and /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics-enabled"`

	// Fallback identity used when a request arrives with no stored credential
	// matching and the operator configured a global token via environment.
	Fallback FallbackCredential `yaml:"fallback"`
}

// FallbackCredential is the optional operator-level Kiro identity sourced from
// REFRESH_TOKEN / CLIENT_ID / CLIENT_SECRET / REGION / PROFILE_ARN.
type FallbackCredential struct {
	RefreshToken string `yaml:"refresh-token"`
	ClientID     string `yaml:"client-id"`
	ClientSecret string `yaml:"client-secret"`
	Region       string `yaml:"region"`
	ProfileArn   string `yaml:"profile-arn"`
}

// Defaults returns a Config populated with built-in defaults.
func Defaults() *Config {
	return &Config{
		Port:                8080,
		Environment:         "development",
		DatabaseURL:         "kirogate.db",
		TokenEncryptKey:     DefaultEncryptKey,
		HealthCheckInterval: 30 * time.Minute,
		FirstTokenTimeout:   30 * time.Second,
		StreamReadTimeout:   60 * time.Second,
		RequestTimeout:      10 * time.Minute,
		PingInterval:        25 * time.Second,
		MetricsEnabled:      true,
	}
}

// Load reads the optional YAML file at path, then applies environment overrides.
// A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
			}
		case os.IsNotExist(err):
			// optional file
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("TOKEN_ENCRYPT_KEY"); v != "" {
		c.TokenEncryptKey = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		c.AdminKey = v
	}
	// SOCKS5 takes precedence over HTTP when both are set, matching the
	// upstream client preference for fully tunneled connections.
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		c.ProxyURL = v
	}
	if v := os.Getenv("SOCKS5_PROXY"); v != "" {
		c.ProxyURL = v
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.HealthCheckInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("REFRESH_TOKEN"); v != "" {
		c.Fallback.RefreshToken = v
	}
	if v := os.Getenv("CLIENT_ID"); v != "" {
		c.Fallback.ClientID = v
	}
	if v := os.Getenv("CLIENT_SECRET"); v != "" {
		c.Fallback.ClientSecret = v
	}
	if v := os.Getenv("REGION"); v != "" {
		c.Fallback.Region = v
	}
	if v := os.Getenv("PROFILE_ARN"); v != "" {
		c.Fallback.ProfileArn = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.Debug = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate enforces startup invariants. It returns an error suitable for
// fatal logging; the process must not serve traffic when it fails.
func (c *Config) Validate() error {
	if c.TokenEncryptKey == "" {
		return fmt.Errorf("config: TOKEN_ENCRYPT_KEY is required")
	}
	if c.IsProduction() && c.TokenEncryptKey == DefaultEncryptKey {
		return fmt.Errorf("config: refusing to start in production with the default TOKEN_ENCRYPT_KEY")
	}
	if c.Fallback.Region != "" && !IsSupportedRegion(c.Fallback.Region) {
		return fmt.Errorf("config: unsupported REGION %q", c.Fallback.Region)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	return nil
}

// IsProduction reports whether the production safeguards apply.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// IsSupportedRegion reports membership in SupportedRegions.
func IsSupportedRegion(region string) bool {
	for _, r := range SupportedRegions {
		if r == region {
			return true
		}
	}
	return false
}

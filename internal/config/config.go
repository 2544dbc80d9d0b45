// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/webgate/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	DocRoot  string `kong:"help='Static document root (overrides config).',env='DOC_ROOT'"`
	Backend  string `kong:"help='Backend base URL (overrides config).',env='BACKEND_URL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Static  StaticConfig  `toml:"static"`
	Backend BackendConfig `toml:"backend"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string    `toml:"host"`
	Port         int       `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64     `toml:"body_max_bytes"`
	TLS          TLSConfig `toml:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Cert     string `toml:"cert"`
	Key      string `toml:"key"`
	CABundle string `toml:"ca_bundle"` // optional chain appended to the served certificate
	Watch    bool   `toml:"watch"`     // reload cert/key on file change
}

// StaticConfig holds static file serving settings.
type StaticConfig struct {
	Root string `toml:"root"`
}

// BackendConfig holds the upstream application server settings.
type BackendConfig struct {
	BaseURL         string `toml:"base_url"`
	StripAPIPrefix  bool   `toml:"strip_api_prefix"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/webgate/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.DocRoot != "" {
		c.Static.Root = cli.DocRoot
	}
	if cli.Backend != "" {
		c.Backend.BaseURL = cli.Backend
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Backend URL: required, must be HTTP(S).
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("backend.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.base_url must use http or https; got %q", c.Backend.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.base_url has no host; got %q", c.Backend.BaseURL)
	}

	// TLS material paths are required when termination is on. Readability is
	// checked when the listener is built, so a bad path still fails startup.
	if c.Server.TLS.Enabled {
		if c.Server.TLS.Cert == "" {
			return fmt.Errorf("server.tls.cert is required when server.tls.enabled is true")
		}
		if c.Server.TLS.Key == "" {
			return fmt.Errorf("server.tls.key is required when server.tls.enabled is true")
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/api", "/socket.io", "/healthz", "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8080).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Static.Root == "" {
		c.Static.Root = "public"
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 120
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// URL returns the full reachable URL of the service, scheme determined by
// whether TLS termination is enabled.
func (c *ServerConfig) URL() string {
	scheme := "http"
	if c.TLS.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

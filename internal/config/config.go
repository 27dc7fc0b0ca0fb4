// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/llamastack-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL string `kong:"name='upstream-url',help='Llama Stack API base URL (overrides config).',env='LLAMA_STACK_API_URL'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Env         string `kong:"help='Runtime environment; production enables static asset serving.',env='NODE_ENV'"`
	StaticDir   string `kong:"help='Directory of prebuilt UI assets (overrides config).',env='STATIC_DIR'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Static   StaticConfig   `toml:"static" yaml:"static"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string     `toml:"host" yaml:"host"`
	Port         int        `toml:"port" yaml:"port"` // 0 means "use default" (3001)
	BodyMaxBytes int64      `toml:"body_max_bytes" yaml:"body_max_bytes"`
	APIPrefix    string     `toml:"api_prefix" yaml:"api_prefix"`
	CORS         CORSConfig `toml:"cors" yaml:"cors"`
}

// CORSConfig controls cross-origin access for the browser UI.
type CORSConfig struct {
	// Enabled is a pointer so an explicit false in the file survives defaulting.
	Enabled      *bool    `toml:"enabled" yaml:"enabled"`
	AllowOrigins []string `toml:"allow_origins" yaml:"allow_origins"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL                      string `toml:"base_url" yaml:"base_url"`
	ConnectTimeoutSeconds        int    `toml:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int    `toml:"response_header_timeout_seconds" yaml:"response_header_timeout_seconds"`
	RequestTimeoutSeconds        int    `toml:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	StreamIdleTimeoutSeconds     int    `toml:"stream_idle_timeout_seconds" yaml:"stream_idle_timeout_seconds"`
	IdleConnections              int    `toml:"idle_connections" yaml:"idle_connections"`
	MaxBodyBytes                 int64  `toml:"max_body_bytes" yaml:"max_body_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled *bool  `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// StaticConfig controls serving of the prebuilt admin UI.
type StaticConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Dir     string `toml:"dir" yaml:"dir"`
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set are left untouched. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads the optional config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/llamastack-proxy/config.toml then configs/config.toml. Without any file
// the defaults plus CLI/env values are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// decode picks the file format from the extension; TOML is the default.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if strings.EqualFold(cli.Env, "production") {
		c.Static.Enabled = true
	}
	if cli.StaticDir != "" {
		c.Static.Dir = cli.StaticDir
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	for _, b := range []struct {
		name string
		v    int
	}{
		{"upstream.connect_timeout_seconds", c.Upstream.ConnectTimeoutSeconds},
		{"upstream.response_header_timeout_seconds", c.Upstream.ResponseHeaderTimeoutSeconds},
		{"upstream.request_timeout_seconds", c.Upstream.RequestTimeoutSeconds},
		{"upstream.stream_idle_timeout_seconds", c.Upstream.StreamIdleTimeoutSeconds},
		{"upstream.idle_connections", c.Upstream.IdleConnections},
	} {
		if b.v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", b.name, b.v)
		}
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}

	prefix := c.Server.APIPrefix
	if prefix[0] != '/' || strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("server.api_prefix must start with '/' and not end with '/'; got %q", prefix)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.MetricsEnabled() {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.ReservedPaths() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.APIPrefix == "" {
		c.Server.APIPrefix = "/api"
	}
	if c.Server.CORS.Enabled == nil {
		enabled := true
		c.Server.CORS.Enabled = &enabled
	}
	if len(c.Server.CORS.AllowOrigins) == 0 {
		c.Server.CORS.AllowOrigins = []string{"*"}
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://localhost:8321"
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 300
	}
	if c.Upstream.RequestTimeoutSeconds == 0 {
		c.Upstream.RequestTimeoutSeconds = 300
	}
	if c.Upstream.StreamIdleTimeoutSeconds == 0 {
		c.Upstream.StreamIdleTimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 50 * 1024 * 1024 // 50 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Enabled == nil {
		enabled := true
		c.Metrics.Enabled = &enabled
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Static.Dir == "" {
		c.Static.Dir = "dist"
	}
}

// Default returns a configuration with every default applied and no file.
func Default() *Config {
	var c Config
	c.setDefaults()
	return &c
}

// MetricsEnabled reports whether the metrics endpoint should be mounted.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// CORSEnabled reports whether CORS headers should be emitted.
func (c *Config) CORSEnabled() bool {
	return c.Server.CORS.Enabled == nil || *c.Server.CORS.Enabled
}

// ReservedPaths returns the route prefixes owned by the proxy itself.
func (c *Config) ReservedPaths() []string {
	return []string{c.Server.APIPrefix, "/health", "/proxy/status"}
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

// ConnectTimeout returns the upstream dial timeout.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ResponseHeaderTimeout returns how long to wait for upstream response headers.
func (c *UpstreamConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.ResponseHeaderTimeoutSeconds) * time.Second
}

// RequestTimeout bounds a whole buffered upstream exchange.
func (c *UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StreamIdleTimeout bounds the gap between two chunks of a streamed response.
func (c *UpstreamConfig) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSeconds) * time.Second
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

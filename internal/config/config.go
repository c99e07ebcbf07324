// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/http/httpguts"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/pb-edge-proxy/config.toml",
	"configs/config.toml",
}

const (
	// DefaultMountPrefix is the external path segment the proxy is served under.
	DefaultMountPrefix = "/api/proxy"
	// DefaultAuthHeader carries the upstream token on every forwarded request.
	DefaultAuthHeader = "PB-API-TOKEN"

	placeholderToken = "YOUR_API_TOKEN_HERE"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL string `kong:"name='upstream-url',help='Upstream base URL (overrides config).',env='API_URL'"`
	Token       string `kong:"help='Upstream API token (overrides config).',env='PB_API_TOKEN'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Auth     AuthConfig     `toml:"auth"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig controls how inbound paths map onto the upstream.
type ProxyConfig struct {
	MountPrefix string `toml:"mount_prefix"`
}

// AuthConfig holds the upstream authentication header and its secret value.
type AuthConfig struct {
	Header string `toml:"header"`
	Token  string `toml:"token"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL                      string `toml:"base_url"`
	ResponseHeaderTimeoutSeconds int    `toml:"response_header_timeout_seconds"`
	RequestTimeoutSeconds        int    `toml:"request_timeout_seconds"` // 0 disables the hard deadline
	IdleTimeoutSeconds           int    `toml:"idle_timeout_seconds"`
	DialTimeoutSeconds           int    `toml:"dial_timeout_seconds"`
	IdleConnections              int    `toml:"idle_connections"`
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
// /etc/pb-edge-proxy/config.toml then configs/config.toml.
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

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
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.Token != "" {
		c.Auth.Token = cli.Token
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Auth.Token == "" {
		return fmt.Errorf("auth.token is required")
	}
	if c.Auth.Token == placeholderToken {
		return fmt.Errorf("auth.token contains placeholder value; set the real upstream token")
	}
	if !httpguts.ValidHeaderFieldName(c.Auth.Header) {
		return fmt.Errorf("auth.header %q is not a valid HTTP header name", c.Auth.Header)
	}

	if err := validateBaseURL(c.Upstream.BaseURL); err != nil {
		return err
	}

	p := c.Proxy.MountPrefix
	if p[0] != '/' || p == "/" || strings.HasSuffix(p, "/") {
		return fmt.Errorf("proxy.mount_prefix must start with '/', not end with '/', and not be '/'; got %q", p)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	for name, v := range map[string]int{
		"upstream.response_header_timeout_seconds": c.Upstream.ResponseHeaderTimeoutSeconds,
		"upstream.request_timeout_seconds":         c.Upstream.RequestTimeoutSeconds,
		"upstream.idle_timeout_seconds":            c.Upstream.IdleTimeoutSeconds,
		"upstream.dial_timeout_seconds":            c.Upstream.DialTimeoutSeconds,
		"upstream.idle_connections":                c.Upstream.IdleConnections,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		mp := c.Metrics.Path
		if mp[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", mp)
		}
		for _, reserved := range c.ReservedRoutes() {
			if mp == reserved || strings.HasPrefix(mp, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", mp, reserved)
			}
		}
	}

	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, timeouts, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. The one
// exception is RequestTimeoutSeconds, where zero keeps the deadline disabled.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Proxy.MountPrefix == "" {
		c.Proxy.MountPrefix = DefaultMountPrefix
	}
	if c.Auth.Header == "" {
		c.Auth.Header = DefaultAuthHeader
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 120
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 90
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
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

// ReservedRoutes returns the fixed routes served by this process.
func (c *Config) ReservedRoutes() []string {
	return []string{c.Proxy.MountPrefix, "/healthz", "/status"}
}

// UpstreamURL returns the parsed upstream base URL. Load has already
// validated it, so a parse failure here means the Config was built by hand.
func (c *Config) UpstreamURL() (*url.URL, error) {
	if err := validateBaseURL(c.Upstream.BaseURL); err != nil {
		return nil, err
	}
	return url.Parse(c.Upstream.BaseURL)
}

// ResponseHeaderTimeout returns how long to wait for upstream response headers.
func (u *UpstreamConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(u.ResponseHeaderTimeoutSeconds) * time.Second
}

// RequestTimeout returns the hard per-request deadline, or zero when disabled.
func (u *UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(u.RequestTimeoutSeconds) * time.Second
}

// IdleTimeout returns the idle-connection ceiling for pooled upstream connections.
func (u *UpstreamConfig) IdleTimeout() time.Duration {
	return time.Duration(u.IdleTimeoutSeconds) * time.Second
}

// DialTimeout returns the upstream connect timeout.
func (u *UpstreamConfig) DialTimeout() time.Duration {
	return time.Duration(u.DialTimeoutSeconds) * time.Second
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

// WarnPermissions logs a warning if the config file is readable by group or
// others, and if the upstream token would travel over plain HTTP.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if strings.HasPrefix(strings.ToLower(c.Upstream.BaseURL), "http://") {
		logger.Warn("upstream uses plain http; the auth token is sent unencrypted",
			"upstream", c.Upstream.BaseURL,
		)
	}

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

// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Routing modes.
const (
	ModeDynamic = "dynamic"
	ModeStatic  = "static"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/dynamic-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host             string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Mode             string `kong:"help='Routing mode: dynamic|static (overrides config).',env='PROXY_MODE'"`
	TargetURL        string `kong:"name='target-url',help='Static target URL; selects static mode unless --mode is given.',env='TARGET_URL'"`
	DefaultProtocol  string `kong:"help='Protocol for dynamic targets without an override: http|https.',env='DEFAULT_PROTOCOL'"`
	CORSAllowOrigin  string `kong:"name='cors-allow-origin',help='Access-Control-Allow-Origin override; enables CORS merging.',env='CORS_ALLOW_ORIGIN'"`
	CORSAllowMethods string `kong:"name='cors-allow-methods',help='Methods merged into Access-Control-Allow-Methods; enables CORS merging.',env='CORS_ALLOW_METHODS'"`
	CORSAllowHeaders string `kong:"name='cors-allow-headers',help='Headers merged into Access-Control-Allow-Headers; enables CORS merging.',env='CORS_ALLOW_HEADERS'"`
	LogLevel         string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once at
// startup and never modified afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Proxy    ProxyConfig    `toml:"proxy" yaml:"proxy"`
	Target   TargetConfig   `toml:"target" yaml:"target"`
	CORS     CORSConfig     `toml:"cors" yaml:"cors"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing" yaml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string    `toml:"host" yaml:"host"`
	Port         int       `toml:"port" yaml:"port"` // 0 means "use default" (8000)
	BodyMaxBytes int64     `toml:"body_max_bytes" yaml:"body_max_bytes"`
	TLS          TLSConfig `toml:"tls" yaml:"tls"`
}

// TLSConfig enables HTTPS on the listener, from files or through ACME.
type TLSConfig struct {
	CertFile string     `toml:"cert_file" yaml:"cert_file"`
	KeyFile  string     `toml:"key_file" yaml:"key_file"`
	ACME     ACMEConfig `toml:"acme" yaml:"acme"`
}

// ACMEConfig holds autocert settings.
type ACMEConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Domain     string `toml:"domain" yaml:"domain"`
	Email      string `toml:"email" yaml:"email"`
	CacheDir   string `toml:"cache_dir" yaml:"cache_dir"`
	HTTP01Addr string `toml:"http01_addr" yaml:"http01_addr"`
}

// ProxyConfig controls request routing and rewriting.
type ProxyConfig struct {
	Mode         string `toml:"mode" yaml:"mode"`
	ControlParam string `toml:"control_param" yaml:"control_param"`
	// ForwardHeaders is a pointer so an explicit false survives defaulting.
	ForwardHeaders *bool `toml:"forward_headers" yaml:"forward_headers"`
	PreserveHost   bool  `toml:"preserve_host" yaml:"preserve_host"`
}

// TargetConfig holds target resolution settings.
type TargetConfig struct {
	URL             string   `toml:"url" yaml:"url"`
	DefaultProtocol string   `toml:"default_protocol" yaml:"default_protocol"`
	AllowedHosts    []string `toml:"allowed_hosts" yaml:"allowed_hosts"`
}

// CORSConfig holds the response header merge settings. Enabling it switches
// proxied responses from streaming to buffered.
type CORSConfig struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	AllowOrigin    string `toml:"allow_origin" yaml:"allow_origin"`
	AllowMethods   string `toml:"allow_methods" yaml:"allow_methods"`
	AllowHeaders   string `toml:"allow_headers" yaml:"allow_headers"`
	MaxBufferBytes int64  `toml:"max_buffer_bytes" yaml:"max_buffer_bytes"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds     int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections    int    `toml:"idle_connections" yaml:"idle_connections"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ProxyURL           string `toml:"proxy_url" yaml:"proxy_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level    string         `toml:"level" yaml:"level"`
	Format   string         `toml:"format" yaml:"format"`
	Output   string         `toml:"output" yaml:"output"`
	Rotation RotationConfig `toml:"rotation" yaml:"rotation"`
}

// RotationConfig holds log file rotation settings, used when Output is a file.
type RotationConfig struct {
	MaxSizeMB  int  `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" yaml:"compress"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled"`
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	ServiceName string  `toml:"service_name" yaml:"service_name"`
	SampleRate  float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// Load reads the config file, applies CLI overrides, validates and fills defaults.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/dynamic-proxy/config.toml then configs/config.toml; finding neither is
// not an error, the proxy then runs from flags and environment alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		if err := parseFile(path, &cfg); err != nil {
			return nil, err
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.inferMode()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// parseFile decodes YAML for .yaml/.yml files and TOML for everything else.
func parseFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Mode != "" {
		c.Proxy.Mode = cli.Mode
	}
	if cli.TargetURL != "" {
		c.Target.URL = cli.TargetURL
	}
	if cli.DefaultProtocol != "" {
		c.Target.DefaultProtocol = cli.DefaultProtocol
	}
	if cli.CORSAllowOrigin != "" {
		c.CORS.AllowOrigin = cli.CORSAllowOrigin
		c.CORS.Enabled = true
	}
	if cli.CORSAllowMethods != "" {
		c.CORS.AllowMethods = cli.CORSAllowMethods
		c.CORS.Enabled = true
	}
	if cli.CORSAllowHeaders != "" {
		c.CORS.AllowHeaders = cli.CORSAllowHeaders
		c.CORS.Enabled = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// inferMode selects static mode when a target URL is configured without an explicit mode.
func (c *Config) inferMode() {
	c.Proxy.Mode = strings.ToLower(c.Proxy.Mode)
	if c.Proxy.Mode == "" && c.Target.URL != "" {
		c.Proxy.Mode = ModeStatic
	}
}

func (c *Config) validate() error {
	// Routing.
	switch c.Proxy.Mode {
	case ModeDynamic, "":
	case ModeStatic:
		if c.Target.URL == "" {
			return fmt.Errorf("target.url is required in static mode")
		}
		u, err := url.Parse(c.Target.URL)
		if err != nil {
			return fmt.Errorf("target.url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("target.url must use http or https; got %q", c.Target.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("target.url must include a host; got %q", c.Target.URL)
		}
	default:
		return fmt.Errorf("proxy.mode must be one of: dynamic, static; got %q", c.Proxy.Mode)
	}

	switch strings.ToLower(c.Target.DefaultProtocol) {
	case "http", "https", "":
	default:
		return fmt.Errorf("target.default_protocol must be one of: http, https; got %q", c.Target.DefaultProtocol)
	}

	if p := c.Proxy.ControlParam; p != "" && strings.ContainsAny(p, "[]=&#?% ") {
		return fmt.Errorf("proxy.control_param contains reserved characters; got %q", p)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.CORS.MaxBufferBytes < 0 {
		return fmt.Errorf("cors.max_buffer_bytes must be non-negative; got %d", c.CORS.MaxBufferBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	if c.Upstream.ProxyURL != "" {
		u, err := url.Parse(c.Upstream.ProxyURL)
		if err != nil {
			return fmt.Errorf("upstream.proxy_url is not a valid URL: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("upstream.proxy_url scheme must be one of: http, https, socks5, socks5h; got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream.proxy_url must include a host; got %q", c.Upstream.ProxyURL)
		}
	}

	// TLS.
	tls := c.Server.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set together")
	}
	if tls.ACME.Enabled {
		if tls.CertFile != "" {
			return fmt.Errorf("server.tls.acme cannot be combined with cert_file/key_file")
		}
		if tls.ACME.Domain == "" {
			return fmt.Errorf("server.tls.acme.domain is required when ACME is enabled")
		}
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
	r := c.Log.Rotation
	if r.MaxSizeMB < 0 || r.MaxBackups < 0 || r.MaxAgeDays < 0 {
		return fmt.Errorf("log.rotation values must be non-negative")
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within 0–1; got %v", c.Tracing.SampleRate)
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because the
// config formats cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.TLS.ACME.Enabled {
		if c.Server.TLS.ACME.CacheDir == "" {
			c.Server.TLS.ACME.CacheDir = "acme-cache"
		}
		if c.Server.TLS.ACME.HTTP01Addr == "" {
			c.Server.TLS.ACME.HTTP01Addr = ":80"
		}
	}
	if c.Proxy.Mode == "" {
		c.Proxy.Mode = ModeDynamic
	}
	if c.Proxy.ControlParam == "" {
		c.Proxy.ControlParam = "__request"
	}
	if c.Proxy.ForwardHeaders == nil {
		enabled := true
		c.Proxy.ForwardHeaders = &enabled
	}
	c.Target.DefaultProtocol = strings.ToLower(c.Target.DefaultProtocol)
	if c.Target.DefaultProtocol == "" {
		c.Target.DefaultProtocol = "https"
	}
	if c.CORS.MaxBufferBytes == 0 {
		c.CORS.MaxBufferBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
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
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Log.Rotation.MaxSizeMB == 0 {
		c.Log.Rotation.MaxSizeMB = 100
	}
	if c.Log.Rotation.MaxBackups == 0 {
		c.Log.Rotation.MaxBackups = 3
	}
	if c.Log.Rotation.MaxAgeDays == 0 {
		c.Log.Rotation.MaxAgeDays = 28
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "dynamic-proxy"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
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

// Enabled reports whether the listener serves HTTPS.
func (t *TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.ACME.Enabled
}

// ForwardHeadersEnabled reports whether X-Forwarded-* headers are added.
func (p *ProxyConfig) ForwardHeadersEnabled() bool {
	return p.ForwardHeaders == nil || *p.ForwardHeaders
}

// Static reports whether every request goes to the single configured target.
func (c *Config) Static() bool {
	return c.Proxy.Mode == ModeStatic
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

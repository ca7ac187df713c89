// Package config handles TOML configuration loading and validation.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// keySize is the required pre-shared key length in bytes.
const keySize = 32

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cloak-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Tunnel listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Tunnel listen port (overrides config).',env='PORT'"`
	Key      string `kong:"help='Pre-shared key as 64 hex chars (overrides config).',env='CLOAK_KEY'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Crypto   CryptoConfig   `toml:"crypto"`
	Filter   FilterConfig   `toml:"filter"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds tunnel listener settings.
type ServerConfig struct {
	Host                string  `toml:"host"`
	Port                int     `toml:"port"` // 0 means "use default" (9040); TOML cannot distinguish 0 from unset
	MaxFrameBytes       int64   `toml:"max_frame_bytes"`
	ReadTimeoutSeconds  int     `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int     `toml:"write_timeout_seconds"`
	MaxConns            int     `toml:"max_conns"`
	AcceptPerSecond     float64 `toml:"accept_per_second"` // 0 disables accept rate limiting
}

// UpstreamConfig holds upstream HTTP client settings.
type UpstreamConfig struct {
	TimeoutSeconds   int   `toml:"timeout_seconds"`
	IdleConnections  int   `toml:"idle_connections"`
	ResponseMaxBytes int64 `toml:"response_max_bytes"`
}

// CryptoConfig holds the pre-shared key source. Exactly one of KeyHex and
// KeyFile must be set (the CLI --key flag and CLOAK_KEY env populate KeyHex).
type CryptoConfig struct {
	KeyHex  string `toml:"key_hex"`
	KeyFile string `toml:"key_file"`
}

// FilterConfig holds the per-leg header filter pattern sets.
type FilterConfig struct {
	Request  FilterRules `toml:"request"`
	Response FilterRules `toml:"response"`
}

// FilterRules is one leg's pattern set. Deny wins over allow; headers
// matching no pattern pass through.
type FilterRules struct {
	Allow        []string `toml:"allow"`
	Deny         []string `toml:"deny"`
	DenyPrefixes []string `toml:"deny_prefixes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds the operator-facing HTTP listener settings
// (health, status, Prometheus metrics).
type AdminConfig struct {
	Enabled     bool   `toml:"enabled"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	MetricsPath string `toml:"metrics_path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cloak-proxy/config.toml then configs/config.toml.
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
	if cli.Key != "" {
		c.Crypto.KeyHex = cli.Key
		c.Crypto.KeyFile = ""
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Key source: exactly one, and KeyHex (when direct) must decode to 32 bytes.
	switch {
	case c.Crypto.KeyHex == "" && c.Crypto.KeyFile == "":
		return fmt.Errorf("crypto: a pre-shared key is required; set crypto.key_hex, crypto.key_file, or CLOAK_KEY")
	case c.Crypto.KeyHex != "" && c.Crypto.KeyFile != "":
		return fmt.Errorf("crypto: key_hex and key_file are mutually exclusive")
	case c.Crypto.KeyHex != "":
		key, err := hex.DecodeString(strings.TrimSpace(c.Crypto.KeyHex))
		if err != nil {
			return fmt.Errorf("crypto: key_hex is not valid hex: %w", err)
		}
		if len(key) != keySize {
			return fmt.Errorf("crypto: key must be %d bytes (%d hex chars); got %d bytes", keySize, keySize*2, len(key))
		}
	}

	// Numeric bounds.
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535; got %d", c.Server.Port)
	}
	if c.Server.MaxFrameBytes < 4096 {
		return fmt.Errorf("server.max_frame_bytes must be at least 4096; got %d", c.Server.MaxFrameBytes)
	}
	if c.Server.MaxFrameBytes > 1<<30 {
		return fmt.Errorf("server.max_frame_bytes must be at most 1 GiB; got %d", c.Server.MaxFrameBytes)
	}
	if c.Server.ReadTimeoutSeconds < 0 || c.Server.WriteTimeoutSeconds < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}
	if c.Server.MaxConns < 0 {
		return fmt.Errorf("server.max_conns must be non-negative; got %d", c.Server.MaxConns)
	}
	if c.Server.AcceptPerSecond < 0 {
		return fmt.Errorf("server.accept_per_second must be non-negative; got %v", c.Server.AcceptPerSecond)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.ResponseMaxBytes < 0 {
		return fmt.Errorf("upstream.response_max_bytes must be non-negative; got %d", c.Upstream.ResponseMaxBytes)
	}
	if c.Upstream.ResponseMaxBytes >= c.Server.MaxFrameBytes {
		return fmt.Errorf("upstream.response_max_bytes (%d) must be smaller than server.max_frame_bytes (%d): the sealed response must fit in one frame", c.Upstream.ResponseMaxBytes, c.Server.MaxFrameBytes)
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

	// Admin listener (only when enabled).
	if c.Admin.Enabled {
		if c.Admin.Port < 1 || c.Admin.Port > 65535 {
			return fmt.Errorf("admin.port must be 1-65535; got %d", c.Admin.Port)
		}
		if c.Admin.Port == c.Server.Port && c.Admin.Host == c.Server.Host {
			return fmt.Errorf("admin listener must not share the tunnel address %s", c.Server.Addr())
		}
		p := c.Admin.MetricsPath
		if p[0] != '/' {
			return fmt.Errorf("admin.metrics_path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("admin.metrics_path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0" // bind all interfaces for containerized deployment
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9040
	}
	if c.Server.MaxFrameBytes == 0 {
		c.Server.MaxFrameBytes = 16 * 1024 * 1024 // 16 MiB
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if c.Server.WriteTimeoutSeconds == 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.MaxConns == 0 {
		c.Server.MaxConns = 256
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.ResponseMaxBytes == 0 {
		c.Upstream.ResponseMaxBytes = 8 * 1024 * 1024 // 8 MiB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "0.0.0.0"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9041
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = "/metrics"
	}
	c.setFilterDefaults()
}

// setFilterDefaults fills empty filter legs with the stock policy.
//
// Request leg: strip hop-by-hop headers and transport artifacts that would
// leak the tunnel's shape upstream. Provider auth headers (x-api-key,
// authorization, anthropic-version) pass through; they only ever travel
// inside the sealed payload and are required by the upstream.
//
// Response leg: strip provider-identifying headers so the sealed reply
// carries nothing that names the backend service.
func (c *Config) setFilterDefaults() {
	r := &c.Filter.Request
	if len(r.Allow) == 0 && len(r.Deny) == 0 && len(r.DenyPrefixes) == 0 {
		r.Deny = []string{
			"connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
			"te", "trailer", "transfer-encoding", "upgrade",
			"host", "x-forwarded-for", "x-real-ip",
		}
	}

	p := &c.Filter.Response
	if len(p.Allow) == 0 && len(p.Deny) == 0 && len(p.DenyPrefixes) == 0 {
		p.Allow = []string{
			"content-type", "content-length", "content-encoding",
			"cache-control", "expires", "etag", "last-modified",
			"date", "connection", "keep-alive",
		}
		p.Deny = []string{
			"request-id", "cf-ray", "cf-cache-status", "server",
			"via", "x-robots-tag", "set-cookie",
		}
		p.DenyPrefixes = []string{
			"anthropic-", "openai-", "x-ratelimit", "x-request-id",
		}
	}
}

// PresharedKey resolves and decodes the pre-shared key from its configured
// source.
func (c *Config) PresharedKey() ([]byte, error) {
	hexKey := c.Crypto.KeyHex
	if c.Crypto.KeyFile != "" {
		data, err := os.ReadFile(c.Crypto.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		hexKey = string(data)
	}
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not valid hex: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes; got %d", keySize, len(key))
	}
	return key, nil
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

// Addr returns the tunnel listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file or key file is readable
// by group or others. Both may carry the pre-shared key.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	warnWorldReadable(logger, c.filePath)
	warnWorldReadable(logger, c.Crypto.KeyFile)
}

func warnWorldReadable(logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("file is readable by group/others; consider chmod 600",
			"path", path,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

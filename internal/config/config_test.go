package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testKeyHex is a structurally valid 32-byte key for config tests.
var testKeyHex = strings.Repeat("ab", 32)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes a TOML config to a temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
max_frame_bytes = 1048576
max_conns = 64

[upstream]
timeout_seconds = 60
idle_connections = 50

[crypto]
key_hex = "`+testKeyHex+`"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Server.MaxFrameBytes != 1048576 {
		t.Errorf("Server.MaxFrameBytes = %d, want %d", cfg.Server.MaxFrameBytes, 1048576)
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	key, err := cfg.PresharedKey()
	if err != nil {
		t.Fatalf("PresharedKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[crypto]
key_hex = "`+testKeyHex+`"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host default = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 9040 {
		t.Errorf("Server.Port default = %d, want 9040", cfg.Server.Port)
	}
	if cfg.Server.MaxFrameBytes != 16*1024*1024 {
		t.Errorf("Server.MaxFrameBytes default = %d", cfg.Server.MaxFrameBytes)
	}
	if cfg.Server.MaxConns != 256 {
		t.Errorf("Server.MaxConns default = %d", cfg.Server.MaxConns)
	}
	if cfg.Upstream.TimeoutSeconds != 120 {
		t.Errorf("Upstream.TimeoutSeconds default = %d", cfg.Upstream.TimeoutSeconds)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log defaults = %q/%q", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.Admin.MetricsPath != "/metrics" {
		t.Errorf("Admin.MetricsPath default = %q", cfg.Admin.MetricsPath)
	}

	// Stock filter policy: response leg strips provider prefixes,
	// request leg strips hop-by-hop headers.
	if len(cfg.Filter.Response.DenyPrefixes) == 0 {
		t.Error("response filter defaults missing")
	}
	if len(cfg.Filter.Request.Deny) == 0 {
		t.Error("request filter defaults missing")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "10.0.0.1"
port = 9000

[crypto]
key_file = "/nonexistent/key"
`)

	override := strings.Repeat("cd", 32)
	cfg, err := Load(&CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     7000,
		Key:      override,
		LogLevel: "warn",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want CLI override", cfg.Server.Host)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want CLI override", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want CLI override", cfg.Log.Level)
	}
	// --key replaces the key_file source entirely.
	if cfg.Crypto.KeyFile != "" || cfg.Crypto.KeyHex != override {
		t.Errorf("Crypto = %+v, want CLI key override", cfg.Crypto)
	}
}

func TestLoad_KeyFromFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "tunnel.key")
	if err := os.WriteFile(keyPath, []byte(testKeyHex+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, `
[crypto]
key_file = "`+keyPath+`"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	key, err := cfg.PresharedKey()
	if err != nil {
		t.Fatalf("PresharedKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"no key source", `
[server]
port = 9000
`},
		{"both key sources", `
[crypto]
key_hex = "` + testKeyHex + `"
key_file = "/etc/key"
`},
		{"short key", `
[crypto]
key_hex = "abcd"
`},
		{"non-hex key", `
[crypto]
key_hex = "` + strings.Repeat("zz", 32) + `"
`},
		{"port out of range", `
[server]
port = 70000

[crypto]
key_hex = "` + testKeyHex + `"
`},
		{"frame limit too small", `
[server]
max_frame_bytes = 16

[crypto]
key_hex = "` + testKeyHex + `"
`},
		{"response larger than frame", `
[server]
max_frame_bytes = 1048576

[upstream]
response_max_bytes = 2097152

[crypto]
key_hex = "` + testKeyHex + `"
`},
		{"bad log level", `
[crypto]
key_hex = "` + testKeyHex + `"

[log]
level = "verbose"
`},
		{"bad log format", `
[crypto]
key_hex = "` + testKeyHex + `"

[log]
format = "xml"
`},
		{"admin shares tunnel port", `
[server]
host = "0.0.0.0"
port = 9040

[crypto]
key_hex = "` + testKeyHex + `"

[admin]
enabled = true
port = 9040
`},
		{"metrics path conflicts", `
[crypto]
key_hex = "` + testKeyHex + `"

[admin]
enabled = true
port = 9041
metrics_path = "/healthz"
`},
		{"metrics path not absolute", `
[crypto]
key_hex = "` + testKeyHex + `"

[admin]
enabled = true
port = 9041
metrics_path = "metrics"
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.toml)
			if _, err := Load(cliWithPath(path)); err == nil {
				t.Error("Load() expected validation error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(cliWithPath(filepath.Join(t.TempDir(), "nope.toml"))); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestFindConfigInPaths(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(existing, []byte(""), 0o600); err != nil {
		t.Fatal(err)
	}

	got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml"), existing})
	if got != existing {
		t.Errorf("findConfigInPaths() = %q, want %q", got, existing)
	}
	if got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml")}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestAddr(t *testing.T) {
	s := &ServerConfig{Host: "0.0.0.0", Port: 9040}
	if got := s.Addr(); got != "0.0.0.0:9040" {
		t.Errorf("Addr() = %q", got)
	}
	a := &AdminConfig{Host: "127.0.0.1", Port: 9041}
	if got := a.Addr(); got != "127.0.0.1:9041" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestWarnPermissions(t *testing.T) {
	path := writeConfig(t, `
[crypto]
key_hex = "`+testKeyHex+`"
`)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var buf bytes.Buffer
	cfg.WarnPermissions(slog.New(slog.NewTextHandler(&buf, nil)))
	if !strings.Contains(buf.String(), "chmod 600") {
		t.Errorf("expected permissions warning, got %q", buf.String())
	}

	// A 600 file warns nothing.
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	cfg.WarnPermissions(slog.New(slog.NewTextHandler(&buf, nil)))
	if buf.Len() != 0 {
		t.Errorf("unexpected warning for 600 file: %q", buf.String())
	}
}

func TestPresharedKeyFileMissing(t *testing.T) {
	cfg := &Config{Crypto: CryptoConfig{KeyFile: filepath.Join(t.TempDir(), "nope")}}
	if _, err := cfg.PresharedKey(); err == nil {
		t.Error("PresharedKey() expected error for missing key file")
	}
}

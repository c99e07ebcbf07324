package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
[auth]
token = "secret-token"

[upstream]
base_url = "https://api.example.com"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[proxy]
mount_prefix = "/edge"

[auth]
header = "X-Upstream-Token"
token = "secret-token"

[upstream]
base_url = "https://api.example.com/base"
response_header_timeout_seconds = 60
request_timeout_seconds = 300
idle_timeout_seconds = 45
dial_timeout_seconds = 5
idle_connections = 50

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
	if cfg.Proxy.MountPrefix != "/edge" {
		t.Errorf("Proxy.MountPrefix = %q, want %q", cfg.Proxy.MountPrefix, "/edge")
	}
	if cfg.Auth.Header != "X-Upstream-Token" {
		t.Errorf("Auth.Header = %q, want %q", cfg.Auth.Header, "X-Upstream-Token")
	}
	if cfg.Auth.Token != "secret-token" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "secret-token")
	}
	if got := cfg.Upstream.ResponseHeaderTimeout(); got != 60*time.Second {
		t.Errorf("ResponseHeaderTimeout() = %v, want %v", got, 60*time.Second)
	}
	if got := cfg.Upstream.RequestTimeout(); got != 300*time.Second {
		t.Errorf("RequestTimeout() = %v, want %v", got, 300*time.Second)
	}
	if got := cfg.Upstream.IdleTimeout(); got != 45*time.Second {
		t.Errorf("IdleTimeout() = %v, want %v", got, 45*time.Second)
	}
	if got := cfg.Upstream.DialTimeout(); got != 5*time.Second {
		t.Errorf("DialTimeout() = %v, want %v", got, 5*time.Second)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimalConfig)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Server.BodyMaxBytes != 0 {
		t.Errorf("default Server.BodyMaxBytes = %d, want 0 (unlimited)", cfg.Server.BodyMaxBytes)
	}
	if cfg.Proxy.MountPrefix != DefaultMountPrefix {
		t.Errorf("default Proxy.MountPrefix = %q, want %q", cfg.Proxy.MountPrefix, DefaultMountPrefix)
	}
	if cfg.Auth.Header != DefaultAuthHeader {
		t.Errorf("default Auth.Header = %q, want %q", cfg.Auth.Header, DefaultAuthHeader)
	}
	if cfg.Upstream.RequestTimeout() != 0 {
		t.Errorf("default RequestTimeout() = %v, want 0 (disabled)", cfg.Upstream.RequestTimeout())
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds != 120 {
		t.Errorf("default ResponseHeaderTimeoutSeconds = %d, want 120", cfg.Upstream.ResponseHeaderTimeoutSeconds)
	}
	if cfg.Upstream.IdleTimeoutSeconds != 90 {
		t.Errorf("default IdleTimeoutSeconds = %d, want 90", cfg.Upstream.IdleTimeoutSeconds)
	}
	if cfg.Upstream.IdleConnections != 100 {
		t.Errorf("default IdleConnections = %d, want 100", cfg.Upstream.IdleConnections)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[auth]
token = "toml-token"

[upstream]
base_url = "https://api.example.com"

[log]
level = "info"
`)

	cli := &CLI{
		Config:      path,
		Host:        "127.0.0.1",
		Port:        3000,
		UpstreamURL: "http://10.0.0.5:8080",
		Token:       "cli-token",
		LogLevel:    "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Upstream.BaseURL != "http://10.0.0.5:8080" {
		t.Errorf("Upstream.BaseURL = %q, want %q (CLI override)", cfg.Upstream.BaseURL, "http://10.0.0.5:8080")
	}
	if cfg.Auth.Token != "cli-token" {
		t.Errorf("Auth.Token = %q, want %q (CLI override)", cfg.Auth.Token, "cli-token")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_CLITokenSatisfiesRequirement(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "https://api.example.com"
`)

	if _, err := Load(cliWithPath(path)); err == nil {
		t.Fatal("Load() expected error without any token, got nil")
	}

	cfg, err := Load(&CLI{Config: path, Token: "from-env"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "from-env")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "placeholder token",
			data:    "[auth]\ntoken = \"YOUR_API_TOKEN_HERE\"\n[upstream]\nbase_url = \"https://api.example.com\"\n",
			wantErr: "placeholder",
		},
		{
			name:    "invalid header name",
			data:    "[auth]\nheader = \"PB API TOKEN\"\ntoken = \"t\"\n[upstream]\nbase_url = \"https://api.example.com\"\n",
			wantErr: "auth.header",
		},
		{
			name:    "missing base url",
			data:    "[auth]\ntoken = \"t\"\n",
			wantErr: "upstream.base_url is required",
		},
		{
			name:    "unsupported scheme",
			data:    "[auth]\ntoken = \"t\"\n[upstream]\nbase_url = \"ftp://api.example.com\"\n",
			wantErr: "http or https",
		},
		{
			name:    "base url without host",
			data:    "[auth]\ntoken = \"t\"\n[upstream]\nbase_url = \"https:///v1\"\n",
			wantErr: "host",
		},
		{
			name:    "base url with query",
			data:    "[auth]\ntoken = \"t\"\n[upstream]\nbase_url = \"https://api.example.com/?a=b\"\n",
			wantErr: "query or fragment",
		},
		{
			name:    "prefix without leading slash",
			data:    "[proxy]\nmount_prefix = \"api/proxy\"\n" + minimalConfig,
			wantErr: "proxy.mount_prefix",
		},
		{
			name:    "prefix with trailing slash",
			data:    "[proxy]\nmount_prefix = \"/api/proxy/\"\n" + minimalConfig,
			wantErr: "proxy.mount_prefix",
		},
		{
			name:    "root prefix",
			data:    "[proxy]\nmount_prefix = \"/\"\n" + minimalConfig,
			wantErr: "proxy.mount_prefix",
		},
		{
			name:    "negative port",
			data:    "[server]\nport = -1\n" + minimalConfig,
			wantErr: "server.port",
		},
		{
			name:    "negative body max bytes",
			data:    "[server]\nbody_max_bytes = -1\n" + minimalConfig,
			wantErr: "server.body_max_bytes",
		},
		{
			name:    "negative request timeout",
			data:    "[auth]\ntoken = \"t\"\n[upstream]\nbase_url = \"https://api.example.com\"\nrequest_timeout_seconds = -5\n",
			wantErr: "upstream.request_timeout_seconds",
		},
		{
			name:    "negative idle timeout",
			data:    "[auth]\ntoken = \"t\"\n[upstream]\nbase_url = \"https://api.example.com\"\nidle_timeout_seconds = -1\n",
			wantErr: "upstream.idle_timeout_seconds",
		},
		{
			name:    "invalid log level",
			data:    "[log]\nlevel = \"verbose\"\n" + minimalConfig,
			wantErr: "log.level",
		},
		{
			name:    "invalid log format",
			data:    "[log]\nformat = \"xml\"\n" + minimalConfig,
			wantErr: "log.format",
		},
		{
			name:    "rate limit without rps",
			data:    "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n" + minimalConfig,
			wantErr: "requests_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_PlainHTTPUpstreamAccepted(t *testing.T) {
	path := writeConfig(t, `
[auth]
token = "t"

[upstream]
base_url = "http://backend.internal:8080"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "plain http") {
		t.Errorf("expected plain http warning, got: %q", buf.String())
	}
}

func TestLoad_RateLimitConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path, Upstream: UpstreamConfig{BaseURL: "https://api.example.com"}}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	path1 := filepath.Join(dir1, "config.toml")
	path2 := filepath.Join(dir2, "config.toml")
	for _, p := range []string{path1, path2} {
		if err := os.WriteFile(p, []byte(minimalConfig), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path2}); got != path2 {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path2)
	}
	if got := findConfigInPaths([]string{path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"default", "", ""},
		{"custom", "/custom-metrics", ""},
		{"no leading slash", "metrics", "metrics.path"},
		{"mount prefix exact", "/api/proxy", "conflicts"},
		{"mount prefix sub", "/api/proxy/metrics", "conflicts"},
		{"healthz", "/healthz", "conflicts"},
		{"status", "/status", "conflicts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := minimalConfig + "\n[metrics]\nenabled = true\n"
			if tt.path != "" {
				data += `path = "` + tt.path + `"` + "\n"
			}

			cfg, err := Load(cliWithPath(writeConfig(t, data)))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() expected error for metrics.path=%q, got nil", tt.path)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			want := tt.path
			if want == "" {
				want = "/metrics"
			}
			if cfg.Metrics.Path != want {
				t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, want)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[metrics]
enabled = false
path = "bad-no-slash"
`)

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestUpstreamURL(t *testing.T) {
	cfg := &Config{Upstream: UpstreamConfig{BaseURL: "https://api.example.com/base"}}
	u, err := cfg.UpstreamURL()
	if err != nil {
		t.Fatalf("UpstreamURL() error = %v", err)
	}
	if u.Host != "api.example.com" || u.Path != "/base" {
		t.Errorf("UpstreamURL() = %v, want host api.example.com and path /base", u)
	}

	cfg.Upstream.BaseURL = "not a url"
	if _, err := cfg.UpstreamURL(); err == nil {
		t.Error("UpstreamURL() expected error for invalid base_url, got nil")
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

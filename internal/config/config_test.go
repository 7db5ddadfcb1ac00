package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, path, exists, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatalf("Load reported a file at %s", path)
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("default logging = %+v", cfg.Logging)
	}
	if cfg.Engine.RequestTimeout != 10 {
		t.Fatalf("default timeout = %d", cfg.Engine.RequestTimeout)
	}
	if cfg.Paths.SocketPath != filepath.Join(cfg.Paths.RunDir, "btaudio.sock") {
		t.Fatalf("socket path = %q, want under run dir %q", cfg.Paths.SocketPath, cfg.Paths.RunDir)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
run_dir = "` + dir + `/run"
socket_path = "` + dir + `/custom.sock"

[bluetooth]
adapter_address = "00:11:22:33:44:55"

[logging]
format = "JSON"
level = "Debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatalf("Load did not find %s", path)
	}
	if cfg.Paths.SocketPath != filepath.Join(dir, "custom.sock") {
		t.Fatalf("socket path = %q", cfg.Paths.SocketPath)
	}
	if cfg.Bluetooth.AdapterAddress != "00:11:22:33:44:55" {
		t.Fatalf("adapter = %q", cfg.Bluetooth.AdapterAddress)
	}
	// Format and level are normalized to lower case.
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad format", func(c *Config) { c.Logging.Format = "yaml" }, "logging.format"},
		{"zero timeout", func(c *Config) { c.Engine.RequestTimeout = 0 }, "request_timeout"},
		{"short adapter", func(c *Config) { c.Bluetooth.AdapterAddress = "00:11" }, "adapter_address"},
		{"empty run dir", func(c *Config) { c.Paths.RunDir = "" }, "run_dir"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate accepted %s", tc.name)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %s", err, tc.want)
			}
		})
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	if err := CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatalf("sample not found at %s", path)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample config invalid: %v", err)
	}
}

func TestExpandPathResolvesHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := ExpandPath("~/btaudio-test")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if got != filepath.Join(home, "btaudio-test") {
		t.Fatalf("ExpandPath = %q", got)
	}
}

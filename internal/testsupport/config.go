// Package testsupport provides shared helpers for package tests: generated
// configurations and fake engine and registry collaborators.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"btaudio/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// The socket lives under a short temp path so it stays inside the
// kernel's socket address limit.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.RunDir = filepath.Join(base, "run")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.SocketPath = SocketPath(t)
	cfg.Logging.Format = "console"
	cfg.Logging.Level = "debug"

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithAdapter restricts the test config to one adapter address.
func WithAdapter(address string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Bluetooth.AdapterAddress = address
	}
}

// SocketPath returns a fresh socket path short enough for a Unix address.
func SocketPath(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bta")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

// Package daemon coordinates the gateway's long-running services and
// enforces single-instance execution through a lock file.
package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"btaudio/internal/config"
	"btaudio/internal/device"
	"btaudio/internal/engine"
	"btaudio/internal/logging"
	"btaudio/internal/server"
)

// Daemon owns the control-socket server and the instance lock.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	srv    *server.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
}

// Status is a point-in-time snapshot of the daemon.
type Status struct {
	Running      bool
	Sessions     int
	SocketPath   string
	LockFilePath string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, devices device.Registry, transport engine.Transport, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || devices == nil || transport == nil {
		return nil, errors.New("daemon requires config, device registry, and transport")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.RunDir, "btaudiod.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logger.With(logging.String("component", "daemon")),
		srv:      server.New(cfg.Paths.SocketPath, devices, transport, logger),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock and brings up the control socket.
func (d *Daemon) Start() error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another btaudio daemon instance is already running")
	}

	if err := d.srv.Start(); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("start server: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("socket", d.cfg.Paths.SocketPath),
		logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts the server down and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if err := d.srv.Close(); err != nil {
		d.logger.Warn("server close failed", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Status reports runtime information. Safe from any goroutine.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		Sessions:     d.srv.Sessions(),
		SocketPath:   d.cfg.Paths.SocketPath,
		LockFilePath: d.lockPath,
	}
}

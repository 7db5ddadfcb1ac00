// Package server owns the gateway's Unix control socket: it accepts client
// connections, frames their messages, and drives the session layer on a
// single event loop.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"btaudio/internal/device"
	"btaudio/internal/engine"
	"btaudio/internal/logging"
	"btaudio/internal/session"
	"btaudio/internal/wire"
)

// Server listens on the control socket and manages client sessions.
type Server struct {
	socketPath string
	log        *slog.Logger
	devices    device.Registry
	transport  engine.Transport

	loop     *Loop
	sessions *session.Registry

	mu       sync.Mutex
	listener *net.UnixListener
	closed   bool

	wg sync.WaitGroup
}

// New constructs a server for the given socket path and collaborators.
func New(socketPath string, devices device.Registry, transport engine.Transport, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		log:        logger.With(logging.String("component", "server")),
		devices:    devices,
		transport:  transport,
		loop:       NewLoop(),
		sessions:   session.NewRegistry(),
	}
}

// Start binds the control socket and begins accepting connections. A stale
// socket file from an unclean shutdown is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("resolving socket address: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		_ = ln.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.loop.Run()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("control socket ready", logging.String("path", s.socketPath))
	return nil
}

// Sessions reports the number of live client sessions. Safe from any
// goroutine.
func (s *Server) Sessions() int { return s.sessions.Len() }

// SocketPath returns the bound control socket path.
func (s *Server) SocketPath() string { return s.socketPath }

// Close stops accepting, tears down every session, and stops the loop.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	s.loop.Post(func() {
		s.teardownAll()
		close(done)
	})
	<-done

	s.wg.Wait()
	s.loop.Stop()

	_ = os.Remove(s.socketPath)
	s.log.Info("control socket closed")
	return nil
}

// teardownAll runs on the loop and disconnects every remaining session.
func (s *Server) teardownAll() {
	for _, cl := range s.sessions.All() {
		s.sessions.Remove(cl)
		cl.Teardown()
	}
}

func (s *Server) acceptLoop(ln *net.UnixListener) {
	defer s.wg.Done()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", logging.Error(err))
			continue
		}
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn *net.UnixConn) {
	cl := session.New(session.Params{
		Conn:      conn,
		Devices:   s.devices,
		Transport: s.transport,
		Registry:  s.sessions,
		Logger:    s.log,
		Post:      s.loop.Post,
	})

	s.loop.Post(func() {
		s.sessions.Add(cl)
		s.log.Debug("client connected", logging.String("client", cl.ID()))
	})

	s.wg.Add(1)
	go s.readLoop(cl, conn)
}

// readLoop frames messages off one connection and posts them onto the
// loop. Any framing violation or read error disconnects the client.
func (s *Server) readLoop(cl *session.Client, conn *net.UnixConn) {
	defer s.wg.Done()

	var hdr [wire.HeaderSize]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			s.disconnect(cl, err)
			return
		}
		h, err := wire.ParseHeader(hdr[:])
		if err != nil {
			s.disconnect(cl, err)
			return
		}
		payload := make([]byte, int(h.Length)-wire.HeaderSize)
		if _, err := io.ReadFull(conn, payload); err != nil {
			s.disconnect(cl, err)
			return
		}

		s.loop.Post(func() {
			if !s.sessions.Contains(cl) {
				return
			}
			if err := cl.HandleMessage(h, payload); err != nil {
				s.log.Warn("protocol violation, disconnecting",
					logging.String("client", cl.ID()), logging.Error(err))
				s.sessions.Remove(cl)
				cl.Teardown()
			}
		})
	}
}

// disconnect removes the session on the loop. Teardown closes the
// connection, which makes the read loop exit with an error and call back
// in here; the membership check keeps that idempotent.
func (s *Server) disconnect(cl *session.Client, err error) {
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("client read ended", logging.String("client", cl.ID()), logging.Error(err))
	}
	s.loop.Post(func() {
		if !s.sessions.Contains(cl) {
			return
		}
		s.sessions.Remove(cl)
		cl.Teardown()
		s.log.Debug("client disconnected", logging.String("client", cl.ID()))
	})
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/credstore"
	"github.com/bureau-foundation/credproxy/lib/oauthsession"
	"github.com/bureau-foundation/credproxy/lib/provider"
	"github.com/bureau-foundation/credproxy/lib/refresh"
)

// DefaultShutdownGrace is how long Shutdown waits for in-flight
// requests before closing connections.
const DefaultShutdownGrace = 2 * time.Second

// Config holds what a Server needs.
type Config struct {
	// SocketDir is created with mode 0700 if missing. It must be owned
	// by the current user.
	SocketDir string

	Store     credstore.Store
	Providers *provider.Registry

	// Scope starts as the allowed scope. Nil allows everything.
	Scope *Scope

	// Coordinator, Scheduler and Sessions are built from Store and
	// Providers when nil.
	Coordinator *refresh.Coordinator
	Scheduler   *refresh.Scheduler
	Sessions    *oauthsession.Manager

	// SessionTimeout applies when Sessions is built here.
	SessionTimeout time.Duration

	// ShutdownGrace defaults to DefaultShutdownGrace.
	ShutdownGrace time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is the host side of the credential proxy.
type Server struct {
	socketDir  string
	socketPath string

	store       credstore.Store
	providers   *provider.Registry
	coordinator *refresh.Coordinator
	scheduler   *refresh.Scheduler
	sessions    *oauthsession.Manager
	scope       atomic.Pointer[Scope]
	grace       time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	listener *net.UnixListener

	// ctx is cancelled when remaining connections are force-closed.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	connections map[*connection]struct{}
	draining    bool

	// requests counts dispatched requests still running.
	requests sync.WaitGroup

	// serving counts the accept loop and connection goroutines.
	serving sync.WaitGroup

	shutdownOnce sync.Once
}

// New returns a Server. Call Start to bind the socket.
func New(cfg Config) (*Server, error) {
	if cfg.SocketDir == "" {
		return nil, errors.New("proxy: socket directory is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("proxy: credential store is required")
	}
	if cfg.Providers == nil {
		cfg.Providers = provider.NewRegistry()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = refresh.NewCoordinator(refresh.CoordinatorConfig{
			Store:     cfg.Store,
			Providers: cfg.Providers,
			Clock:     cfg.Clock,
			Logger:    cfg.Logger.With("component", "refresh"),
		})
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = refresh.NewScheduler(refresh.SchedulerConfig{
			Refresher: cfg.Coordinator,
			Store:     cfg.Store,
			Clock:     cfg.Clock,
			Logger:    cfg.Logger.With("component", "scheduler"),
		})
	}
	if cfg.Sessions == nil {
		cfg.Sessions = oauthsession.New(oauthsession.Config{
			Timeout: cfg.SessionTimeout,
			Clock:   cfg.Clock,
			Logger:  cfg.Logger.With("component", "sessions"),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		socketDir:   cfg.SocketDir,
		store:       cfg.Store,
		providers:   cfg.Providers,
		coordinator: cfg.Coordinator,
		scheduler:   cfg.Scheduler,
		sessions:    cfg.Sessions,
		grace:       cfg.ShutdownGrace,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
		connections: make(map[*connection]struct{}),
	}
	server.scope.Store(cfg.Scope)
	return server, nil
}

// SetScope replaces the allowed scope. Requests already dispatched
// keep the scope they were checked against.
func (s *Server) SetScope(scope *Scope) {
	s.scope.Store(scope)
}

// Scope returns the allowed scope.
func (s *Server) Scope() *Scope {
	return s.scope.Load()
}

// Start binds the socket and begins accepting connections. A failure
// to bind is returned; the caller must not launch a sandbox without a
// working proxy.
func (s *Server) Start() error {
	if err := prepareSocketDir(s.socketDir); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("proxy: generating socket nonce: %w", err)
	}
	s.socketPath = filepath.Join(s.socketDir, fmt.Sprintf("proxy-%d-%s.sock", os.Getpid(), hex.EncodeToString(nonce)))

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("proxy: removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("proxy: listening on %s (check that %s is writable): %w", s.socketPath, s.socketDir, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("proxy: restricting socket permissions: %w", err)
	}
	s.listener = listener

	s.serving.Add(1)
	go s.acceptLoop()

	s.logger.Info("credential proxy listening", "socket", s.socketPath)
	notifySystemd("READY=1")
	return nil
}

// SocketPath returns the bound socket path. Empty before Start.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	defer s.serving.Done()
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		c := s.newConnection(conn)
		if c == nil {
			continue
		}
		s.serving.Add(1)
		go func() {
			defer s.serving.Done()
			defer s.forget(c)
			c.serve()
		}()
	}
}

// newConnection verifies the peer and registers the connection. It
// returns nil when the connection was refused.
func (s *Server) newConnection(conn *net.UnixConn) *connection {
	peer, err := peerCredentials(conn)
	switch {
	case err != nil:
		peer = unverifiedPeer()
		s.logger.Warn("peer credentials unavailable, relying on socket permissions",
			"peer", peer.Identity(),
			"error", err,
		)
	case peer.UID != os.Getuid():
		s.logger.Error("refusing connection from another user",
			"peer_uid", peer.UID,
			"peer_pid", peer.PID,
			"uid", os.Getuid(),
		)
		conn.Close()
		return nil
	}

	c := newConnection(s, conn, peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		conn.Close()
		return nil
	}
	s.connections[c] = struct{}{}
	s.logger.Debug("connection accepted", "peer", peer.Identity())
	return c
}

func (s *Server) forget(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, c)
}

// beginRequest registers a request for the shutdown drain. It reports
// false once shutdown has started.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.requests.Add(1)
	return true
}

// Shutdown cancels renewals, aborts OAuth sessions, stops accepting,
// waits up to the grace period (or until ctx ends) for in-flight
// requests, closes every connection and removes the socket. It is safe
// to call more than once and from several goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down credential proxy")
		s.scheduler.Close()
		s.sessions.Close()

		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}

		drained := make(chan struct{})
		go func() {
			s.requests.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-s.clock.After(s.grace):
			s.logger.Warn("shutdown grace period elapsed with requests in flight")
		case <-ctx.Done():
		}

		s.cancel()
		s.mu.Lock()
		for c := range s.connections {
			c.close()
		}
		s.mu.Unlock()
		s.serving.Wait()

		if s.socketPath != "" {
			if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("removing socket", "path", s.socketPath, "error", err)
			}
		}
	})
	return nil
}

// notifySystemd sends a notification to systemd's sd_notify socket.
// Does nothing if NOTIFY_SOCKET is not set.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.Write([]byte(state))
}

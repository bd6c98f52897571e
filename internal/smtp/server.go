package smtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shineum/tmpmail/internal/forward"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// maxAcceptDelay caps the backoff after a failed Accept.
const maxAcceptDelay = time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Domain is announced in EHLO replies.
	Domain string

	// ServiceName is sent in the 220 greeting.
	ServiceName string

	// IdleTimeout bounds how long a session waits for client input.
	IdleTimeout time.Duration

	// Store persists the mail of finished sessions. It is shared by all
	// sessions.
	Store MessageStore

	// Forwarder, if set, receives a copy of every stored message.
	Forwarder forward.Forwarder
}

// Server accepts connections and runs one Session per connection.
type Server struct {
	config ServerConfig

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg     sync.WaitGroup
	active atomic.Int64

	shutdownTimeout time.Duration
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tmp-mail"
	}

	return &Server{config: cfg, shutdownTimeout: shutdownTimeout}
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled. On
// cancellation it stops accepting, unblocks running sessions and waits up to
// 30 seconds for them to persist their mail.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	forwarder := "none"
	if s.config.Forwarder != nil {
		forwarder = s.config.Forwarder.Name()
	}
	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"domain", s.config.Domain,
		"forwarder", forwarder,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.waitForSessions()
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			tempDelay = min(tempDelay, maxAcceptDelay)
			slog.Error("accept error", "error", err, "retry_in", tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
			}
			continue
		}
		tempDelay = 0

		s.wg.Add(1)
		s.active.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			session := NewSession(
				conn,
				s.config.Store,
				s.config.Forwarder,
				s.config.Domain,
				s.config.ServiceName,
				s.config.IdleTimeout,
			)
			session.Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(s.shutdownTimeout):
		slog.Warn("shutdown timeout reached, sessions still running",
			"sessions", s.active.Load(),
		)
	}
}

// Wait blocks until every session has finished, including sessions still
// persisting after Serve gave up waiting for them. Callers that own the
// MessageStore call it before closing the store.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

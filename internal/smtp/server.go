package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-mail-saver/internal/provider"
)

// defaultShutdownTimeout is the maximum time to wait for in-flight
// sessions during graceful shutdown.
const defaultShutdownTimeout = 30 * time.Second

// DefaultMaxMessageSize matches the configuration's default limit. New does
// not apply it, since a zero MaxMessageSize means no limit.
const DefaultMaxMessageSize = 32 << 20

// BindError is returned when the listening socket cannot be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "localhost:1025").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Provider receives every accepted envelope.
	Provider provider.Provider

	// MaxMessageSize caps the DATA payload in bytes. Zero disables the limit.
	MaxMessageSize int64

	// ShutdownTimeout bounds how long shutdown waits for open sessions.
	ShutdownTimeout time.Duration

	// Logger receives server and session logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server is an SMTP server that accepts connections and hands every
// received envelope to a configured Provider.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.MaxMessageSize < 0 {
		cfg.MaxMessageSize = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: cfg,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen opens the listening socket. Failures are reported as *BindError.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return &BindError{Addr: s.config.ListenAddr, Err: err}
	}
	s.listener = ln
	return nil
}

// ListenAndServe opens the listener and serves until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until the context is cancelled. On
// cancellation it stops accepting new connections and waits up to the
// shutdown timeout for in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context) error {
	ln := s.listener
	if ln == nil {
		return errors.New("smtp server is not listening")
	}

	s.logger.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"max_message_size", s.config.MaxMessageSize,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down SMTP server")
		ln.Close()
	}()

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
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)

			session := NewSession(
				conn,
				s.config.Provider,
				s.config.Hostname,
				s.config.MaxMessageSize,
				s.logger,
			)
			session.Handle(ctx)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// waitForSessions waits for all in-flight sessions to complete. Sessions
// still open when the timeout expires have their connections closed.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions completed")
	case <-time.After(s.config.ShutdownTimeout):
		s.mu.Lock()
		s.logger.Warn("shutdown timeout reached, forcing close", "open_sessions", len(s.conns))
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

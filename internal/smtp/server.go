package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shineum/mailcatcher-lite/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Observer is told about session lifecycle events.
type Observer interface {
	SessionStarted()
	SessionEnded()
	ConnectionRejected()
}

type nopObserver struct{}

func (nopObserver) SessionStarted()     {}
func (nopObserver) SessionEnded()       {}
func (nopObserver) ConnectionRejected() {}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":1025").
	ListenAddr string

	// Hostname is the server name used in the greeting and EHLO responses.
	Hostname string

	// Provider receives every accepted message.
	Provider provider.Provider

	// MaxMessageSize is the largest accepted DATA payload in bytes.
	MaxMessageSize int64

	// IdleTimeout bounds the wait for each command or data line.
	IdleTimeout time.Duration

	// MaxConnections caps concurrent sessions; ConnectionRate caps new
	// sessions per second. Zero disables the respective limit.
	MaxConnections int
	ConnectionRate float64

	Logger   *zap.Logger
	Observer Observer
}

func (c *ServerConfig) setDefaults() {
	if c.Hostname == "" {
		c.Hostname = "MailCatcher"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 25 << 20
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}

// Server is an SMTP server that accepts connections and delegates
// every received message to a configured Provider.
type Server struct {
	config  ServerConfig
	limiter *connLimiter
	log     *zap.Logger

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	cfg.setDefaults()

	return &Server{
		config:  cfg,
		limiter: newConnLimiter(cfg.MaxConnections, cfg.ConnectionRate),
		log:     cfg.Logger,
	}
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until the context is cancelled.
// On cancellation it stops accepting new connections, asks open sessions to
// finish and waits up to 30 seconds for them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("SMTP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("hostname", s.config.Hostname),
		zap.String("provider", s.config.Provider.Name()),
		zap.Int64("max_message_size", s.config.MaxMessageSize),
	)

	// Monitor context for shutdown
	stop := context.AfterFunc(ctx, func() {
		s.log.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.waitForSessions()
				return err
			}
			s.log.Error("accept error", zap.Error(err))
			continue
		}

		if !s.limiter.acquire() {
			s.reject(conn)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.limiter.release()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn runs one session. A panic is contained to its connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := s.log.With(
		zap.String("session", uuid.NewString()),
		zap.String("remote", conn.RemoteAddr().String()),
	)

	s.config.Observer.SessionStarted()
	defer s.config.Observer.SessionEnded()

	defer func() {
		if r := recover(); r != nil {
			log.Error("session panic",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			conn.Close()
		}
	}()

	NewSession(conn, s.config, log).Handle(ctx)
}

func (s *Server) reject(conn net.Conn) {
	defer conn.Close()

	s.config.Observer.ConnectionRejected()
	s.log.Warn("connection rejected by limiter", zap.String("remote", conn.RemoteAddr().String()))

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = fmt.Fprintf(conn, "421 4.7.0 %s Too many connections, try again later\r\n", s.config.Hostname)
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
		s.log.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.log.Warn("shutdown timeout reached, forcing close")
	}
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

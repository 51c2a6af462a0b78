package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/infodancer/mailgw/internal/config"
	"github.com/infodancer/mailgw/internal/logging"
)

// Server coordinates multiple listeners, across both POP3 and IMAP
// listener categories, and dispatches accepted connections to the
// handler registered for that category.
type Server struct {
	cfg       *config.Config
	tlsConfig *tls.Config
	logger    *slog.Logger
	handlers  map[config.ListenerMode]ConnectionHandler

	listeners []*Listener
	mu        sync.Mutex
}

// Config holds configuration for creating a new Server.
type Config struct {
	Cfg       *config.Config
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// New creates a new Server with the given configuration.
func New(sc Config) (*Server, error) {
	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger(sc.Cfg.LogLevel)
	}

	s := &Server{
		cfg:       sc.Cfg,
		tlsConfig: sc.TLSConfig,
		logger:    logger,
		handlers:  make(map[config.ListenerMode]ConnectionHandler),
	}

	return s, nil
}

// SetHandler registers the connection handler used for every listener
// of the given category (pop3, pop3s, imap, imaps). Must be called
// before Run for every category that has a configured listener.
func (s *Server) SetHandler(mode config.ListenerMode, handler ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[mode] = handler
}

// Handler returns the registered handler for a listener category, or
// nil if none was set.
func (s *Server) Handler(mode config.ListenerMode) ConnectionHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[mode]
}

// Run starts all configured listeners and blocks until the context is
// cancelled. All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()

	// Create listeners
	for _, lc := range s.cfg.Listeners {
		handler := s.handlers[lc.Mode]
		if handler == nil {
			handler = s.defaultHandler
		}

		// Determine if this listener needs TLS
		var tlsCfg *tls.Config
		if lc.Mode.IsImplicitTLS() {
			if s.tlsConfig == nil {
				s.mu.Unlock()
				return fmt.Errorf("listener %s: TLS required for %s mode but not configured", lc.Address, lc.Mode)
			}
			tlsCfg = s.tlsConfig
		} else if s.tlsConfig != nil {
			// Make TLS available for STARTTLS/STLS on plaintext listeners
			tlsCfg = s.tlsConfig
		}

		listener := NewListener(ListenerConfig{
			Address:        lc.Address,
			Mode:           lc.Mode,
			TLSConfig:      tlsCfg,
			IdleTimeout:    s.cfg.Timeouts.ConnectionTimeout(),
			CommandTimeout: s.cfg.Timeouts.CommandTimeout(),
			LogTransaction: s.cfg.LogLevel == "debug",
			Logger:         s.logger,
			Handler:        handler,
		})
		s.listeners = append(s.listeners, listener)
	}

	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(s.listeners)),
	)

	// Start all listeners in goroutines
	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))

	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	// Wait for context cancellation
	<-ctx.Done()

	s.logger.Info("server shutting down")

	// Give in-flight connections up to the shutdown timeout to drain.
	// The accept loops were already closed by listener.Start's context
	// watcher when ctx was cancelled, and wg.Wait below still waits for
	// every handler (Start returns only after its handlers finish), so a
	// timed-out drain is only logged.
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.ShutdownTimeout())
	defer cancel()
	for _, l := range s.listeners {
		if !l.WaitForDrain(drainCtx) {
			s.logger.Warn("shutdown drain timed out", slog.String("address", l.Address()))
		}
	}

	// Wait for all listeners to stop
	wg.Wait()

	// Check for any errors
	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown gracefully stops the server.
// It closes all listeners and waits for connections to complete.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// TLSConfig returns the server's TLS configuration, if any.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// SetTLSConfig replaces the server's TLS configuration, used on
// SIGHUP-driven certificate reload. Only takes effect for listeners
// started after the call; existing listeners keep the *tls.Config
// pointer they were given at Start time (which SIGHUP handling swaps
// the contents of, not the pointer, see cmd/mailgwd).
func (s *Server) SetTLSConfig(tlsConfig *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlsConfig = tlsConfig
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// defaultHandler is a placeholder handler that logs connections.
func (s *Server) defaultHandler(ctx context.Context, conn *Connection) {
	logger := logging.FromContext(ctx)
	logger.Info("connection handler not implemented - closing connection")
}

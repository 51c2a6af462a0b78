package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/mailgw/internal/config"
)

// ConnectionHandler processes one accepted connection to completion.
// It must return when the connection is done (closed by either side)
// and must not retain conn after returning.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig configures a single bound address.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
}

// Listener accepts connections on one address and dispatches each to
// its ConnectionHandler in its own goroutine.
type Listener struct {
	cfg ListenerConfig
	ln  net.Listener

	mu     sync.Mutex
	closed bool

	wg sync.WaitGroup
}

// NewListener constructs a Listener from cfg. The socket is not bound
// until Start is called.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

// Address returns the configured bind address.
func (l *Listener) Address() string {
	return l.cfg.Address
}

// Mode returns the listener category (pop3, pop3s, imap, imaps).
func (l *Listener) Mode() config.ListenerMode {
	return l.cfg.Mode
}

// Start binds the listening socket and accepts connections until ctx
// is canceled or Close is called. Implicit-TLS categories (pop3s,
// imaps) wrap every accepted connection in a TLS handshake before
// handing it to the handler; STARTTLS-capable categories (pop3, imap)
// hand over a plaintext connection and rely on the handler to call
// Connection.UpgradeToTLS.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	l.ln = ln
	l.mu.Unlock()

	logger := l.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("listening",
		slog.String("address", l.cfg.Address),
		slog.String("mode", string(l.cfg.Mode)),
	)

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				l.wg.Wait()
				return context.Canceled
			}
			return err
		}

		l.wg.Add(1)
		go func(raw net.Conn) {
			defer l.wg.Done()
			l.serve(ctx, raw, logger)
		}(conn)
	}
}

func (l *Listener) serve(ctx context.Context, raw net.Conn, logger *slog.Logger) {
	defer raw.Close() //nolint:errcheck

	if l.cfg.Mode.IsImplicitTLS() {
		if l.cfg.TLSConfig == nil {
			logger.Error("implicit TLS listener has no TLS configuration", slog.String("address", l.cfg.Address))
			return
		}
		tlsConn := tls.Server(raw, l.cfg.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			logger.Warn("TLS handshake failed",
				slog.String("address", l.cfg.Address),
				slog.String("remote", raw.RemoteAddr().String()),
				slog.String("error", err.Error()),
			)
			return
		}
		raw = tlsConn
	}

	conn := NewConnection(raw, ConnectionConfig{
		IdleTimeout:    l.cfg.IdleTimeout,
		CommandTimeout: l.cfg.CommandTimeout,
		LogTransaction: l.cfg.LogTransaction,
		Logger:         logger,
	})

	l.cfg.Handler(ctx, conn)
}

// Close stops accepting new connections and closes the bound socket.
// It does not forcibly close in-flight connections; callers that need
// a hard deadline should race Close against a timer and proceed past
// WaitForDrain when it fires.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

// WaitForDrain blocks until every in-flight connection handler has
// returned, or until ctx is done, whichever comes first. Returns true
// if drain completed, false if ctx expired first.
func (l *Listener) WaitForDrain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

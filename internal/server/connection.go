package server

import (
	"bufio"
	"crypto/tls"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// ConnectionConfig configures a Connection wrapping an accepted net.Conn.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// Connection wraps a net.Conn with the buffered line-oriented I/O and
// timeout bookkeeping every protocol handler (POP3 and IMAP) needs.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cfg    ConnectionConfig
	logger *slog.Logger

	isTLS  atomic.Bool
	closed atomic.Bool
}

// NewConnection wraps conn for protocol handling.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		cfg:    cfg,
		logger: logger,
	}
	if _, ok := conn.(*tls.Conn); ok {
		c.isTLS.Store(true)
	}
	return c
}

// Reader returns the buffered reader for reading request lines/literals.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Writer returns the buffered writer for sending responses.
func (c *Connection) Writer() *bufio.Writer {
	return c.writer
}

// Flush flushes any buffered output to the network.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// RemoteAddr returns the client's network address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsTLS reports whether the connection is currently protected by TLS.
func (c *Connection) IsTLS() bool {
	return c.isTLS.Load()
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// SetCommandTimeout resets the read deadline to the configured command
// timeout. Call before each command read.
func (c *Connection) SetCommandTimeout() error {
	if c.cfg.CommandTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.cfg.CommandTimeout))
}

// ResetIdleTimeout resets the read deadline to the configured idle
// timeout. The POP3 and IMAP handlers call it right after each command
// line is read.
func (c *Connection) ResetIdleTimeout() error {
	if c.cfg.IdleTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
}

// UpgradeToTLS performs a server-side TLS handshake over the existing
// connection, replacing the buffered reader/writer so subsequent I/O
// runs through the encrypted channel. Used for STARTTLS/STLS.
func (c *Connection) UpgradeToTLS(tlsConfig *tls.Config) error {
	if c.isTLS.Load() {
		return ErrAlreadyTLS
	}
	tlsConn := tls.Server(c.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.isTLS.Store(true)
	return nil
}

// Logger returns the connection's logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// LogTransaction reports whether the handler should log each
// command/response line (debug-level transaction logging).
func (c *Connection) LogTransaction() bool {
	return c.cfg.LogTransaction
}

// Close closes the underlying network connection. Safe to call more
// than once.
func (c *Connection) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		return c.conn.Close()
	}
	return nil
}

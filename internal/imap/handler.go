package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/infodancer/mailgw/internal/auth"
	"github.com/infodancer/mailgw/internal/config"
	"github.com/infodancer/mailgw/internal/logging"
	"github.com/infodancer/mailgw/internal/mailstore"
	"github.com/infodancer/mailgw/internal/metrics"
	"github.com/infodancer/mailgw/internal/server"
)

// Handler creates an IMAP4rev1 protocol handler with the given
// configuration. tlsConfig may be nil when STARTTLS/IMAPS is not
// available for this listener.
func Handler(cfg *config.Config, policy *auth.Policy, authn mailstore.Authenticator, tlsConfig *tls.Config, collector metrics.Collector) server.ConnectionHandler {
	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, cfg, policy, authn, tlsConfig, collector)
	}
}

func handleConnection(ctx context.Context, conn *server.Connection, cfg *config.Config, policy *auth.Policy, authn mailstore.Authenticator, tlsConfig *tls.Config, collector metrics.Collector) {
	logger := logging.FromContext(ctx)
	collector.ConnectionOpened()
	collector.IMAPSessionOpened()
	defer collector.ConnectionClosed()
	defer collector.IMAPSessionClosed()

	if conn.IsTLS() {
		collector.TLSConnectionEstablished()
	}

	s := NewSession(cfg.Hostname, conn.RemoteAddr().String(), conn.IsTLS(), isLoopback(conn.RemoteAddr()))
	d := &Dispatcher{
		Hostname:          cfg.Hostname,
		Policy:            policy,
		Authenticator:     authn,
		TLSAvailable:      tlsConfig != nil,
		CapabilityIdle:    cfg.IMAPCapabilityIdle,
		MaxFailCommands:   cfg.IMAPMaxFailCommands,
		MaxMessageSize:    cfg.IMAPMaxMessageSize,
		ExpungeOnDelete:   cfg.IMAPExpungeOnDelete,
		IgnoreCommandIdle: cfg.IMAPIgnoreCommandIdle,
		OnlyMailfolders:   cfg.IMAPOnlyMailfolders,
		PublicFolders:     cfg.IMAPPublicFolders != "",
	}
	if tlsConfig != nil {
		d.StartTLS = func() error { return conn.UpgradeToTLS(tlsConfig) }
	}

	logger.Info("starting IMAP session", "remote", s.RemoteIP, "tls", s.IsTLS)

	if !writeLine(conn, fmt.Sprintf("* OK %s IMAP4rev1 server ready", cfg.Hostname)) {
		return
	}

	reader := NewReader(conn.Reader(), cfg.IMAPMaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if conn.IsClosed() {
			return
		}
		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		cont := func() error {
			if _, err := conn.Writer().WriteString("+ \r\n"); err != nil {
				return err
			}
			return conn.Flush()
		}
		tokens, err := reader.ReadCommand(cont)
		if err != nil {
			var tooLarge *LiteralTooLarge
			if errors.As(err, &tooLarge) {
				writeLine(conn, fmt.Sprintf("* NO [ALERT] %v", tooLarge))
				continue
			}
			if err == io.EOF {
				logger.Info("client closed connection")
				return
			}
			logger.Error("error reading command", "error", err.Error())
			return
		}
		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err.Error())
			return
		}
		if len(tokens) == 0 {
			continue
		}

		if s.ContinuationCmd != "" {
			tag := s.ContinuationTag
			res := d.ContinueAuthenticate(ctx, s, tokens[0])
			writeResult(conn, tag, res)
			if s.RecordOutcome(res.Status, d.MaxFailCommands) || res.EndSession {
				return
			}
			continue
		}

		if len(tokens) >= 2 && strings.EqualFold(tokens[1], "IDLE") && s.State != StateUnauth {
			handleIdle(ctx, conn, d, s, tokens[0], collector)
			continue
		}

		cmdName := ""
		if len(tokens) >= 2 {
			cmdName = strings.ToUpper(tokens[1])
		}
		res := d.Dispatch(ctx, s, tokens)
		collector.CommandProcessed(cmdName)
		if strings.EqualFold(cmdName, "LOGIN") || strings.EqualFold(cmdName, "AUTHENTICATE") {
			collector.AuthAttempt(extractDomain(s.User), res.Status == StatusOK)
		}

		if res.Continue {
			s.ContinuationTag = tokens[0]
			writeLine(conn, "+ "+res.ContinuePrompt)
			continue
		}

		if cmdName == "STARTTLS" && res.Status == StatusOK {
			writeResult(conn, tokens[0], res)
			if err := conn.UpgradeToTLS(tlsConfig); err != nil {
				logger.Error("TLS upgrade failed", "error", err.Error())
				return
			}
			s.IsTLS = true
			collector.TLSConnectionEstablished()
			continue
		}

		writeResult(conn, tokens[0], res)
		if s.RecordOutcome(res.Status, d.MaxFailCommands) || res.EndSession {
			logger.Info("closing IMAP session", "user", s.User)
			return
		}
	}
}

// handleIdle implements the IDLE command's continuation-response
// protocol (RFC 2177): the tagged completion only arrives after the
// client sends a bare "DONE" line, so this runs its own read loop
// concurrently with streaming untagged notifications.
func handleIdle(ctx context.Context, conn *server.Connection, d *Dispatcher, s *Session, tag string, collector metrics.Collector) {
	logger := logging.FromContext(ctx)
	if s.View == nil {
		// No folder selected: Outlook Express issues IDLE before SELECT.
		// Accept it anyway and just wait for DONE; there is nothing to watch.
		handleIdleNoFolder(ctx, conn, tag)
		return
	}

	handle, err := EnterIdle(s.View.Folder, s.View)
	if err != nil {
		status, text := MapError(err)
		writeLine(conn, fmt.Sprintf("%s %s %s", tag, status, text))
		return
	}
	defer handle.Stop()

	if !writeLine(conn, "+ idling") {
		return
	}

	s.IdleMu.Lock()
	s.InIdle = true
	s.IdleMu.Unlock()
	defer func() {
		s.IdleMu.Lock()
		s.InIdle = false
		s.IdleMu.Unlock()
	}()

	idleCtx, cancel := context.WithCancel(ctx)
	go func() {
		conn.Reader().ReadString('\n')
		cancel()
	}()

	collector.IMAPIdleStarted()
	started := time.Now()
	for {
		lines, err := handle.Next(idleCtx)
		if err != nil {
			break
		}
		for _, l := range lines {
			if !writeLine(conn, "* "+l) {
				cancel()
				break
			}
		}
	}
	collector.IMAPIdleEnded(time.Since(started).Seconds())
	writeLine(conn, fmt.Sprintf("%s OK IDLE complete", tag))
}

// handleIdleNoFolder services the pre-SELECT IDLE quirk: there is no
// folder to subscribe to, so it just sends the continuation and waits
// for the client's DONE line.
func handleIdleNoFolder(ctx context.Context, conn *server.Connection, tag string) {
	if !writeLine(conn, "+ idling") {
		return
	}
	done := make(chan struct{})
	go func() {
		conn.Reader().ReadString('\n')
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	writeLine(conn, fmt.Sprintf("%s OK IDLE complete", tag))
}

func writeResult(conn *server.Connection, tag string, res Result) bool {
	for _, u := range res.Untagged {
		if !writeLine(conn, "* "+u) {
			return false
		}
	}
	return writeLine(conn, res.tagged(tag))
}

func writeLine(conn *server.Connection, line string) bool {
	if _, err := conn.Writer().WriteString(line + "\r\n"); err != nil {
		return false
	}
	return conn.Flush() == nil
}

func isLoopback(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func extractDomain(user string) string {
	if idx := strings.LastIndex(user, "@"); idx >= 0 {
		return user[idx+1:]
	}
	return "unknown"
}

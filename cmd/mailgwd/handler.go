package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"

	_ "github.com/infodancer/auth/passwd" // Register passwd auth backend
	"github.com/infodancer/mailgw/internal/config"
	"github.com/infodancer/mailgw/internal/logging"
	"github.com/infodancer/mailgw/internal/mailstore/maildirstore"
	"github.com/infodancer/mailgw/internal/metrics"
	"github.com/infodancer/mailgw/internal/pop3"
)

// File descriptor layout in the protocol-handler subprocess.
// The listener parent passes these via cmd.ExtraFiles (offset by 3):
//
//	fd 3  TCP socket
//	fd 4  write-only: auth signal → dispatcher
//	fd 5  read-only:  responses from mail-session
//	fd 6  write-only: commands to mail-session
const (
	connFD     = 3
	authPipeFD = 4
	fromSessFD = 5
	toSessFD   = 6
)

func runProtocolHandler() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "protocol-handler: error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "protocol-handler: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	// Connection metadata supplied by the parent listener process.
	clientIP := os.Getenv("POP3D_CLIENT_IP")
	listenerMode := config.ListenerMode(os.Getenv("POP3D_LISTENER_MODE"))
	if listenerMode == "" {
		listenerMode = config.ModePop3
	}

	logger.Debug("protocol-handler started",
		"client_ip", clientIP,
		"mode", string(listenerMode))

	// Load TLS configuration (needed for STLS on POP3 and for implicit TLS on POP3S).
	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "protocol-handler: error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
	}

	// Resolve config path to an absolute path.
	configPath, err := filepath.Abs(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "protocol-handler: resolving config path: %v\n", err)
		os.Exit(1)
	}

	// The mail-session fork (fds 4-6) is only engaged once a domain config
	// names a mail-session binary; closing our ends here lets the dispatcher
	// unblock on EOF immediately instead of waiting for this process to exit.
	// This handler accesses the mailbox directly through the shared store.
	_ = os.NewFile(uintptr(authPipeFD), "auth-pipe-w").Close()
	_ = os.NewFile(uintptr(fromSessFD), "from-session").Close()
	_ = os.NewFile(uintptr(toSessFD), "to-session").Close()

	if cfg.Maildir == "" {
		fmt.Fprintf(os.Stderr, "protocol-handler: no maildir root configured\n")
		os.Exit(1)
	}
	authenticator := maildirstore.NewAuthenticator(cfg.Maildir, cfg.IMAPPublicFolders, 0)
	msgStore := pop3.NewMailstoreAdapter(authenticator)

	// Build the protocol stack. Each subprocess gets its own stack instance;
	// there is no shared state with the parent listener process.
	// MsgStore is injected so the stack reads the same folder tree IMAP does.
	stack, err := pop3.NewStack(pop3.StackConfig{
		Config:     cfg,
		ConfigPath: configPath,
		TLSConfig:  tlsConfig,
		MsgStore:   msgStore,
		Collector:  &metrics.NoopCollector{},
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "protocol-handler: error creating stack: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Error("error closing stack", "error", err)
		}
	}()

	// Reconstruct the TCP connection from the fd passed by the parent.
	// ExtraFiles[0] maps to fd 3 in the child process.
	connFile := os.NewFile(uintptr(connFD), "pop3-conn")
	if connFile == nil {
		fmt.Fprintf(os.Stderr, "protocol-handler: fd %d not available\n", connFD)
		os.Exit(1)
	}
	netConn, err := net.FileConn(connFile)
	_ = connFile.Close() // done with the os.File wrapper; netConn holds its own dup
	if err != nil {
		fmt.Fprintf(os.Stderr, "protocol-handler: error reconstructing connection: %v\n", err)
		os.Exit(1)
	}

	// Run exactly one POP3 session then exit.
	if err := stack.RunSingleConn(netConn, listenerMode, tlsConfig); err != nil {
		logger.Debug("session ended", "error", err.Error())
	}
}

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	infoauth "github.com/infodancer/auth"
	"github.com/infodancer/auth/domain"
	_ "github.com/infodancer/auth/passwd" // Register passwd auth backend
	"github.com/prometheus/client_golang/prometheus"

	gwauth "github.com/infodancer/mailgw/internal/auth"
	"github.com/infodancer/mailgw/internal/config"
	"github.com/infodancer/mailgw/internal/imap"
	"github.com/infodancer/mailgw/internal/logging"
	"github.com/infodancer/mailgw/internal/mailstore/maildirstore"
	"github.com/infodancer/mailgw/internal/metrics"
	"github.com/infodancer/mailgw/internal/pop3"
	"github.com/infodancer/mailgw/internal/server"
)

// runServe is the listener-parent role: it accepts connections on every
// configured address. POP3/POP3S listeners hand each connection off to a
// protocol-handler subprocess (see handler.go); IMAP/IMAPS listeners are
// served directly, since IMAP has no privilege-separated mail-session fork.
func runServe() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fileLogger, err := logging.NewFileLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	logger := fileLogger.Logger

	// Resolve config path to absolute so subprocesses find it regardless of cwd.
	configPath, err := filepath.Abs(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error resolving config path: %v\n", err)
		os.Exit(1)
	}

	// Locate our own executable for subprocess spawning.
	execPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error determining executable path: %v\n", err)
		os.Exit(1)
	}

	tlsConfig, err := loadTLSConfig(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	imapReady := make(chan *server.Server, 1)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		var imapSrv *server.Server
		for {
			select {
			case srv, ok := <-imapReady:
				if ok {
					imapSrv = srv
				}
			case sig := <-sigChan:
				if sig != syscall.SIGHUP {
					logger.Info("received signal, shutting down", "signal", sig.String())
					cancel()
					return
				}
				logger.Info("received SIGHUP, reloading")
				reloadOnSIGHUP(flags, fileLogger, imapSrv)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Metrics HTTP server runs in the parent process. Per-connection metrics
	// from POP3 subprocesses are not aggregated in this release; IMAP runs
	// in-process here and reports directly to collector.
	collector := metrics.Collector(&metrics.NoopCollector{})
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	var pop3Listeners, imapListeners []config.ListenerConfig
	for _, lc := range cfg.Listeners {
		if lc.Mode.IsIMAP() {
			imapListeners = append(imapListeners, lc)
		} else if lc.Mode.IsPOP3() {
			pop3Listeners = append(pop3Listeners, lc)
		}
	}

	errChan := make(chan error, 2)
	running := 0

	if len(pop3Listeners) > 0 {
		running++
		go func() {
			logger.Info("starting POP3 listener(s)", "listeners", len(pop3Listeners), "exec", execPath)
			srv := pop3.NewSubprocessServer(pop3Listeners, execPath, configPath, cfg.DomainsPath, "", logger)
			errChan <- srv.Run(ctx)
		}()
	}

	if len(imapListeners) > 0 {
		running++
		go func() {
			logger.Info("starting IMAP listener(s)", "listeners", len(imapListeners))
			errChan <- runIMAPServer(ctx, cfg, imapListeners, tlsConfig, logger, collector, imapReady)
		}()
	} else {
		close(imapReady)
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errChan; err != nil && err != context.Canceled && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", firstErr)
		os.Exit(1)
	}

	logger.Info("mailgw server stopped")
}

// loadTLSConfig builds a *tls.Config from cfg's certificate/key paths,
// or returns (nil, nil) if TLS is not configured.
func loadTLSConfig(cfg config.Config, logger *slog.Logger) (*tls.Config, error) {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.TLS.MinTLSVersion(),
	}
	logger.Info("TLS configured", "cert", cfg.TLS.CertFile, "min_version", cfg.TLS.MinVersion)
	return tlsConfig, nil
}

// reloadOnSIGHUP implements the daemon's SIGHUP handling (§4.L, §6.7):
// re-read the config file, reopen the log file at its (possibly
// rotated) path, and rebuild the TLS config in place so already-bound
// listeners pick up renewed certificates without a restart.
func reloadOnSIGHUP(flags *config.Flags, fileLogger *logging.FileLogger, imapSrv *server.Server) {
	logger := fileLogger.Logger

	if err := fileLogger.Reopen(); err != nil {
		logger.Error("SIGHUP: failed to reopen log file", "error", err)
	}

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		logger.Error("SIGHUP: failed to reload config", "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("SIGHUP: reloaded config is invalid, keeping previous config", "error", err)
		return
	}

	if imapSrv == nil {
		logger.Info("SIGHUP: config and log reloaded")
		return
	}

	tlsConfig, err := loadTLSConfig(cfg, logger)
	if err != nil {
		logger.Error("SIGHUP: failed to reload TLS certificate, keeping previous certificate", "error", err)
		return
	}
	if tlsConfig != nil {
		if existing := imapSrv.TLSConfig(); existing != nil {
			// Swap the contents of the pointer already bound into
			// running listeners, not the pointer itself.
			*existing = *tlsConfig
			imapSrv.SetTLSConfig(existing)
		} else {
			imapSrv.SetTLSConfig(tlsConfig)
		}
	}

	logger.Info("SIGHUP: config, log and TLS certificate reloaded")
}

// runIMAPServer builds the auth policy and mailstore authenticator and
// runs the IMAP front end directly in this process (no subprocess fork:
// §5 reserves privilege separation for POP3's USER/PASS-then-fork model).
func runIMAPServer(ctx context.Context, cfg config.Config, listeners []config.ListenerConfig, tlsConfig *tls.Config, logger *slog.Logger, collector metrics.Collector, ready chan<- *server.Server) error {
	var authAgent infoauth.AuthenticationAgent
	if cfg.Auth.IsConfigured() {
		agentConfig := infoauth.AuthAgentConfig{
			Type:              cfg.Auth.Type,
			CredentialBackend: cfg.Auth.CredentialBackend,
			KeyBackend:        cfg.Auth.KeyBackend,
			Options:           cfg.Auth.Options,
		}
		var err error
		authAgent, err = infoauth.OpenAuthAgent(agentConfig)
		if err != nil {
			return fmt.Errorf("imap: opening auth agent: %w", err)
		}
		defer authAgent.Close()
	}

	var domainProvider domain.DomainProvider
	if cfg.DomainsPath != "" {
		p := domain.NewFilesystemDomainProvider(cfg.DomainsPath, logger)
		if cfg.DomainsDataPath != "" {
			p = p.WithDataPath(cfg.DomainsDataPath)
		}
		dp := p.WithDefaults(domain.DomainConfig{
			Auth: domain.DomainAuthConfig{
				Type:              "passwd",
				CredentialBackend: "passwd",
				KeyBackend:        "keys",
			},
			MsgStore: domain.DomainMsgStoreConfig{
				Type:     "maildir",
				BasePath: "users",
			},
		})
		defer dp.Close()
		domainProvider = dp
	}
	authRouter := domain.NewAuthRouter(domainProvider, authAgent)

	policy := &gwauth.Policy{
		Agent:                authRouter,
		DisablePlaintextAuth: cfg.DisablePlaintextAuth,
		Logger:               logger,
		Program:              "imapd",
	}

	if cfg.Maildir == "" {
		return fmt.Errorf("imap: no maildir root configured")
	}
	authenticator := maildirstore.NewAuthenticator(cfg.Maildir, cfg.IMAPPublicFolders, 0)

	imapCfg := cfg
	imapCfg.Listeners = listeners

	srv, err := server.New(server.Config{
		Cfg:       &imapCfg,
		TLSConfig: tlsConfig,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("imap: creating server: %w", err)
	}

	handler := imap.Handler(&imapCfg, policy, authenticator, tlsConfig, collector)
	srv.SetHandler(config.ModeImap, handler)
	srv.SetHandler(config.ModeImaps, handler)

	ready <- srv
	close(ready)

	return srv.Run(ctx)
}

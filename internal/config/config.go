// Package config provides configuration management for the mail gateway.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModePop3 is standard POP3 on port 110 with optional STLS.
	ModePop3 ListenerMode = "pop3"
	// ModePop3s is implicit TLS POP3 on port 995.
	ModePop3s ListenerMode = "pop3s"
	// ModeImap is standard IMAP on port 143 with optional STARTTLS.
	ModeImap ListenerMode = "imap"
	// ModeImaps is implicit TLS IMAP on port 993.
	ModeImaps ListenerMode = "imaps"
)

// ProcessModel selects how a listener isolates connections.
type ProcessModel string

const (
	// ProcessModelThread runs every connection as a goroutine inside
	// the listener process.
	ProcessModelThread ProcessModel = "thread"
	// ProcessModelFork re-execs the binary as a privilege-separated
	// subprocess per connection (POP3/POP3S only; accepted but
	// degraded to thread mode for IMAP/IMAPS, see gateway docs).
	ProcessModelFork ProcessModel = "fork"
)

// FileConfig is the top-level wrapper for the shared configuration file.
type FileConfig struct {
	Server  ServerConfig `toml:"server"`
	Gateway Config       `toml:"gateway"`
}

// ServerConfig holds shared settings used by all mail services.
type ServerConfig struct {
	Hostname string    `toml:"hostname"`
	Maildir  string    `toml:"maildir"`
	TLS      TLSConfig `toml:"tls"`
}

// Config holds the gateway configuration shared by the POP3 and IMAP
// protocol stacks.
type Config struct {
	Hostname                string           `toml:"hostname"`
	HostnameGreeting        string           `toml:"server_hostname_greeting"`
	LogLevel                string           `toml:"log_level"`
	LogMethod               string           `toml:"log_method"`
	LogFile                 string           `toml:"log_file"`
	LogTimestamp            bool             `toml:"log_timestamp"`
	LogBufferSize           int              `toml:"log_buffer_size"`
	Listeners               []ListenerConfig `toml:"listeners"`
	TLS                     TLSConfig        `toml:"tls"`
	Timeouts                TimeoutsConfig   `toml:"timeouts"`
	Limits                  LimitsConfig     `toml:"limits"`
	Metrics                 MetricsConfig    `toml:"metrics"`
	Maildir                 string           `toml:"maildir"`
	DomainsPath             string           `toml:"domains_path"`
	DomainsDataPath         string           `toml:"domains_data_path"`
	Auth                    AuthConfig       `toml:"auth"`
	ServerSocket            string           `toml:"server_socket"`
	ProcessModel            ProcessModel     `toml:"process_model"`
	RunAsUser               string           `toml:"run_as_user"`
	RunAsGroup              string           `toml:"run_as_group"`
	PidFile                 string           `toml:"pid_file"`
	TmpPath                 string           `toml:"tmp_path"`
	BypassAuth              bool             `toml:"bypass_auth"`
	HTMLSafetyFilter        bool             `toml:"html_safety_filter"`
	DisablePlaintextAuth    bool             `toml:"disable_plaintext_auth"`
	IMAPOnlyMailfolders     bool             `toml:"imap_only_mailfolders"`
	IMAPPublicFolders       string           `toml:"imap_public_folders"`
	IMAPCapabilityIdle      bool             `toml:"imap_capability_idle"`
	IMAPMaxFailCommands     int              `toml:"imap_max_fail_commands"`
	IMAPMaxMessageSize      int64            `toml:"imap_max_messagesize"`
	IMAPExpungeOnDelete     bool             `toml:"imap_expunge_on_delete"`
	IMAPIgnoreCommandIdle   bool             `toml:"imap_ignore_command_idle"`
}

// AuthConfig selects and configures the authentication backend handed
// to github.com/infodancer/auth.OpenAuthAgent.
type AuthConfig struct {
	Type              string            `toml:"type"`
	CredentialBackend string            `toml:"credential_backend"`
	KeyBackend        string            `toml:"key_backend"`
	Options           map[string]string `toml:"options"`
}

// IsConfigured reports whether enough fields are set to open an
// authentication agent.
func (a AuthConfig) IsConfigured() bool {
	return a.Type != ""
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Idle       string `toml:"idle"`
	Shutdown   string `toml:"shutdown"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections int `toml:"max_connections"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		LogMethod: "stderr",
		Listeners: []ListenerConfig{
			{Address: ":110", Mode: ModePop3},
			{Address: ":143", Mode: ModeImap},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Connection: "10m",
			Command:    "1m",
			Idle:       "30m",
			Shutdown:   "10s",
		},
		Limits: LimitsConfig{
			MaxConnections: 100,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
		ProcessModel:          ProcessModelThread,
		IMAPCapabilityIdle:    true,
		IMAPMaxFailCommands:   10,
		IMAPMaxMessageSize:    0,
		IMAPExpungeOnDelete:   false,
		IMAPIgnoreCommandIdle: false,
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}

	if c.Timeouts.Command != "" {
		if _, err := time.ParseDuration(c.Timeouts.Command); err != nil {
			return fmt.Errorf("invalid command timeout: %w", err)
		}
	}

	if c.Timeouts.Idle != "" {
		if _, err := time.ParseDuration(c.Timeouts.Idle); err != nil {
			return fmt.Errorf("invalid idle timeout: %w", err)
		}
	}

	if c.Timeouts.Shutdown != "" {
		if _, err := time.ParseDuration(c.Timeouts.Shutdown); err != nil {
			return fmt.Errorf("invalid shutdown timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	switch c.ProcessModel {
	case "", ProcessModelThread, ProcessModelFork:
	default:
		return fmt.Errorf("invalid process_model %q", c.ProcessModel)
	}

	if c.IMAPMaxFailCommands < 0 {
		return errors.New("imap_max_fail_commands must not be negative")
	}

	if c.IMAPMaxMessageSize < 0 {
		return errors.New("imap_max_messagesize must not be negative")
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 10 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	if c.Connection == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(c.Connection)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// CommandTimeout returns the command timeout as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	if c.Command == "" {
		return 1 * time.Minute
	}
	d, err := time.ParseDuration(c.Command)
	if err != nil {
		return 1 * time.Minute
	}
	return d
}

// IdleTimeout returns the idle timeout as a time.Duration.
// Returns 30 minutes if not configured or invalid.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	if c.Idle == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.Idle)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// ShutdownTimeout returns the drain timeout for graceful shutdown.
// Returns 10 seconds if not configured or invalid.
func (c *TimeoutsConfig) ShutdownTimeout() time.Duration {
	if c.Shutdown == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.Shutdown)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModePop3, ModePop3s, ModeImap, ModeImaps:
		return true
	default:
		return false
	}
}

// IsIMAP reports whether m is one of the IMAP listener categories.
func (m ListenerMode) IsIMAP() bool {
	return m == ModeImap || m == ModeImaps
}

// IsPOP3 reports whether m is one of the POP3 listener categories.
func (m ListenerMode) IsPOP3() bool {
	return m == ModePop3 || m == ModePop3s
}

// IsImplicitTLS reports whether connections on this listener category
// start TLS immediately instead of via STARTTLS/STLS.
func (m ListenerMode) IsImplicitTLS() bool {
	return m == ModePop3s || m == ModeImaps
}

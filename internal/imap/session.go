package imap

import (
	"sync"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailgw/internal/auth"
	"github.com/infodancer/mailgw/internal/mailstore"
)

// State is one of the IMAP connection states from §4.K. Idle is a
// sub-state of Selected.
type State int

const (
	StateUnauth State = iota
	StateAuth
	StateSelected
	StateLogout
)

func (s State) String() string {
	switch s {
	case StateUnauth:
		return "UNAUTH"
	case StateAuth:
		return "AUTH"
	case StateSelected:
		return "SELECTED"
	case StateLogout:
		return "LOGOUT"
	default:
		return "UNKNOWN"
	}
}

// RenderCache holds the raw bytes of the single most recently
// materialized message, so that later requests against the same UID
// (until the next SELECT resets it) avoid reading the message from the
// store again; the cached bytes are re-parsed by the MIME codec on each
// hit (spec §3, "cached rendered message").
type RenderCache struct {
	UID   uint32
	Bytes []byte
}

// Session is the per-connection state described in spec §3: one
// instance lives for the whole TCP/TLS connection and is mutated only
// by the command-processing goroutine, except for the fields IDLE
// shares with the notifier callback, which are guarded by IdleMu.
type Session struct {
	Hostname string
	RemoteIP string
	IsTLS    bool
	IsLocal  bool

	State State
	User  string

	Store   mailstore.Store
	Session mailstore.Session

	PublicStore mailstore.Store

	View *MailboxView // non-nil iff State == StateSelected

	InIdle bool
	IdleMu sync.Mutex

	Retries    auth.RetryCounter
	ErrorCount int

	ContinuationTag string
	ContinuationCmd string

	// SASLServer holds the in-progress AUTHENTICATE exchange between
	// the initial command and its continuation line, if any.
	SASLServer sasl.Server

	Subscribed []string

	Render RenderCache

	// UIDNext/UIDValidity observed at SELECT time for this view's
	// UIDVALIDITY-stability check.
	SelectUIDValidity uint32
}

// NewSession builds a fresh pre-authentication session for one
// accepted connection.
func NewSession(hostname, remoteIP string, isTLS, isLocal bool) *Session {
	return &Session{
		Hostname: hostname,
		RemoteIP: remoteIP,
		IsTLS:    isTLS,
		IsLocal:  isLocal,
		State:    StateUnauth,
	}
}

// Deselect clears selected-folder state, used by CLOSE/SELECT-of-another/LOGOUT.
func (s *Session) Deselect() {
	s.View = nil
	s.Render = RenderCache{}
}

// RecordOutcome applies the error-counter rule from §4.K: OK resets
// the counter, NO/BAD increments it. Returns true if the session must
// now be forcibly disconnected.
func (s *Session) RecordOutcome(status Status, maxFailCommands int) bool {
	if status == StatusOK {
		s.ErrorCount = 0
		return false
	}
	s.ErrorCount++
	return maxFailCommands > 0 && s.ErrorCount >= maxFailCommands
}

// Capabilities computes the capability string per §4.K.
func Capabilities(s *Session, tlsAvailable, idleEnabled, plaintextDisabled bool) string {
	caps := "IMAP4rev1 LITERAL+"
	switch s.State {
	case StateUnauth:
		if tlsAvailable && !s.IsTLS {
			caps += " STARTTLS"
		}
		if plaintextDisabled && !s.IsTLS && !s.IsLocal {
			caps += " LOGINDISABLED"
		} else {
			caps += " AUTH=PLAIN"
		}
	default:
		caps += " CHILDREN XAOL-OPTION NAMESPACE QUOTA"
		if idleEnabled {
			caps += " IDLE"
		}
	}
	return caps
}

// Package auth centralizes the login policy shared by the POP3 and
// IMAP front ends (spec component N): the plaintext-on-TLS gate, the
// retry counter that forces a disconnect, the post-login feature gate,
// and the audit log line format. Credential verification itself is
// delegated to github.com/infodancer/auth, exactly as the POP3 side
// already uses it.
package auth

import (
	"context"
	"fmt"
	"log/slog"

	infoauth "github.com/infodancer/auth"

	"github.com/infodancer/mailgw/internal/mailerr"
)

// MaxLoginRetries is LOGIN_RETRIES from spec §4.N: the Nth consecutive
// failure forcibly ends the session.
const MaxLoginRetries = 5

// Policy wraps an infodancer/auth agent with the plaintext/TLS gate,
// retry counting, and audit logging every login attempt must go
// through, independent of whether it arrived via POP3 USER/PASS, POP3
// AUTH, or IMAP LOGIN/AUTHENTICATE.
type Policy struct {
	Agent                infoauth.AuthenticationAgent
	DisablePlaintextAuth bool
	Logger               *slog.Logger
	Program              string // "pop3d" or "imapd", for the audit line
}

// ErrPlaintextDisallowed is returned when CheckTransport refuses a
// credential-bearing command on an unencrypted, non-local channel.
var ErrPlaintextDisallowed = mailerr.New("CheckTransport", mailerr.KindPermission,
	fmt.Errorf("NO [PRIVACYREQUIRED] Plaintext authentication disallowed on non-secure (SSL/TLS) connections."))

// CheckTransport enforces the plaintext-auth gate before any
// credential is read off the wire.
func (p *Policy) CheckTransport(isTLS, isLocalPeer bool) error {
	if !p.DisablePlaintextAuth {
		return nil
	}
	if isTLS || isLocalPeer {
		return nil
	}
	return ErrPlaintextDisallowed
}

// RetryCounter tracks consecutive login failures for one session.
type RetryCounter struct {
	count int
}

// Fail increments the counter and reports whether the session must now
// be forcibly disconnected (count has reached MaxLoginRetries).
func (r *RetryCounter) Fail() (mustDisconnect bool) {
	r.count++
	return r.count >= MaxLoginRetries
}

// Reset clears the counter after a successful login.
func (r *RetryCounter) Reset() { r.count = 0 }

// Authenticate verifies user/pass through the underlying agent. It
// does not check the feature gate or emit the audit line; callers call
// CheckFeature and Audit themselves once they know which store the
// session opened.
func (p *Policy) Authenticate(ctx context.Context, user, pass string) (*infoauth.AuthSession, error) {
	if p.Agent == nil {
		return nil, mailerr.New("Authenticate", mailerr.KindNotSupported, fmt.Errorf("no authentication agent configured"))
	}
	sess, err := p.Agent.Authenticate(ctx, user, pass)
	if err != nil {
		return nil, mailerr.New("Authenticate", mailerr.KindAuthFailed, err)
	}
	return sess, nil
}

// FeatureChecker is implemented by mailstore.Session; declared
// locally to avoid an import cycle (mailstore does not need to know
// about auth).
type FeatureChecker interface {
	UserHasFeature(ctx context.Context, feature string) (bool, error)
}

// CheckFeature enforces the post-login feature gate: the user's
// address-book record must carry the named feature ("imap" or "pop3").
func (p *Policy) CheckFeature(ctx context.Context, session FeatureChecker, feature string) error {
	ok, err := session.UserHasFeature(ctx, feature)
	if err != nil {
		return mailerr.New("CheckFeature", mailerr.KindUnavailable, err)
	}
	if !ok {
		return mailerr.New("CheckFeature", mailerr.KindPermission,
			fmt.Errorf("NO LOGIN %s feature disabled", feature))
	}
	return nil
}

// AuditSuccess logs the one-line audit record spec §4.N requires after
// a successful login.
func (p *Policy) AuditSuccess(user, fromIP, method string) {
	if p.Logger == nil {
		return
	}
	p.Logger.Info("authenticate ok",
		slog.String("user", user),
		slog.String("from", fromIP),
		slog.String("method", method),
		slog.String("program", p.Program),
	)
}

// AuditFailure logs a failed login attempt without the "ok" marker.
func (p *Policy) AuditFailure(user, fromIP, method string, err error) {
	if p.Logger == nil {
		return
	}
	p.Logger.Warn("authenticate failed",
		slog.String("user", user),
		slog.String("from", fromIP),
		slog.String("method", method),
		slog.String("program", p.Program),
		slog.String("error", err.Error()),
	)
}

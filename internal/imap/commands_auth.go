package imap

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailgw/internal/charset"
)

func (d *Dispatcher) cmdStartTLS(s *Session) Result {
	if s.IsTLS {
		return Result{Status: StatusBAD, Text: "already using TLS"}
	}
	if d.StartTLS == nil {
		return Result{Status: StatusNO, Text: "TLS not available"}
	}
	if err := d.StartTLS(); err != nil {
		s.State = StateLogout
		return Result{Status: StatusNO, Text: fmt.Sprintf("TLS negotiation failed: %v", err), EndSession: true}
	}
	s.IsTLS = true
	return Result{Status: StatusOK, Text: "Begin TLS negotiation now"}
}

func (d *Dispatcher) cmdAuthenticate(ctx context.Context, s *Session, args []string) Result {
	mech := strings.ToUpper(args[0])
	if mech != "PLAIN" {
		return Result{Status: StatusNO, Text: fmt.Sprintf("mechanism %s not supported", mech)}
	}
	if len(args) == 2 {
		return d.finishPlainAuth(ctx, s, args[1])
	}
	s.ContinuationCmd = "AUTHENTICATE-PLAIN"
	return Result{Continue: true, ContinuePrompt: ""}
}

// ContinueAuthenticate is invoked by the connection loop with the
// base64 response line once a prior AUTHENTICATE left the session in
// continuation mode.
func (d *Dispatcher) ContinueAuthenticate(ctx context.Context, s *Session, line string) Result {
	s.ContinuationCmd = ""
	return d.finishPlainAuth(ctx, s, line)
}

func (d *Dispatcher) finishPlainAuth(ctx context.Context, s *Session, b64 string) Result {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Result{Status: StatusBAD, Text: "invalid base64 continuation"}
	}

	var user, pass string
	server := sasl.NewPlainServer(func(identity, username, password string) error {
		user, pass = username, password
		return nil
	})
	s.SASLServer = server

	if _, _, err := server.Next(raw); err != nil {
		s.SASLServer = nil
		return Result{Status: StatusBAD, Text: "malformed SASL PLAIN response"}
	}
	s.SASLServer = nil

	return d.login(ctx, s, user, pass, "PLAIN")
}

func (d *Dispatcher) cmdLogin(ctx context.Context, s *Session, args []string) Result {
	user := charset.DecodeLegacyLogin([]byte(args[0]))
	pass := charset.DecodeLegacyLogin([]byte(args[1]))
	return d.login(ctx, s, user, pass, "LOGIN")
}

func (d *Dispatcher) login(ctx context.Context, s *Session, user, pass, method string) Result {
	if err := d.Policy.CheckTransport(s.IsTLS, s.IsLocal); err != nil {
		return Result{Status: StatusNO, Code: "PRIVACYREQUIRED", Text: "Plaintext authentication disallowed on non-secure (SSL/TLS) connections."}
	}

	if _, err := d.Policy.Authenticate(ctx, user, pass); err != nil {
		d.Policy.AuditFailure(user, s.RemoteIP, method, err)
		if s.Retries.Fail() {
			s.State = StateLogout
			return Result{Status: StatusNO, Text: "LOGIN wrong username or password", EndSession: true}
		}
		return Result{Status: StatusNO, Text: "LOGIN wrong username or password"}
	}

	mstore, err := d.Authenticator.OpenSession(ctx, user)
	if err != nil {
		return Result{Status: StatusNO, Text: fmt.Sprintf("LOGIN failed to open mailbox: %v", err)}
	}
	if err := d.Policy.CheckFeature(ctx, mstore, "imap"); err != nil {
		mstore.Close()
		s.State = StateLogout
		return Result{Status: StatusNO, Text: "LOGIN imap feature disabled", EndSession: true}
	}

	store, err := mstore.OpenDefaultStore(ctx)
	if err != nil {
		mstore.Close()
		return Result{Status: StatusNO, Text: fmt.Sprintf("LOGIN failed to open store: %v", err)}
	}
	if pub, err := mstore.OpenPublicStore(ctx); err == nil {
		s.PublicStore = pub
	}

	subs, _ := store.Subscriptions(ctx)

	s.User = user
	s.Session = mstore
	s.Store = store
	s.Subscribed = subs
	s.State = StateAuth
	s.Retries.Reset()
	d.Policy.AuditSuccess(user, s.RemoteIP, method)
	return Result{Status: StatusOK, Text: "LOGIN completed"}
}

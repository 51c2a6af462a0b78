package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/infodancer/mailgw/internal/auth"
	"github.com/infodancer/mailgw/internal/mailstore"
)

// Dispatcher holds the configuration and collaborators the command
// table (§4.K) needs; one Dispatcher is shared by every session.
type Dispatcher struct {
	Hostname          string
	Policy            *auth.Policy
	Authenticator     mailstore.Authenticator
	TLSAvailable      bool
	StartTLS          func() error // upgrades the underlying connection; nil if TLS is unavailable
	CapabilityIdle    bool
	MaxFailCommands   int
	MaxMessageSize    int64
	ExpungeOnDelete   bool
	IgnoreCommandIdle bool
	OnlyMailfolders   bool
	PublicFolders     bool
}

// Result is everything the connection loop needs to write back to the
// client for one dispatched command.
type Result struct {
	Untagged    []string
	Status      Status
	Text        string
	Code        string // e.g. "TRYCREATE", "ALERT"; written as [CODE] before Text
	EndSession  bool
	Continue    bool   // enter AUTHENTICATE-continuation mode
	ContinuePrompt string
}

func (r Result) tagged(tag string) string {
	code := ""
	if r.Code != "" {
		code = "[" + r.Code + "] "
	}
	return fmt.Sprintf("%s %s %s%s", tag, r.Status, code, r.Text)
}

type cmdSpec struct {
	minArgs, maxArgs int
	uidModeOK        bool
	requireState     State // minimum state; StateSelected means SELECTED only
	requireWrite     bool  // STORE/XAOL-MOVE: forbidden when view is read-only
}

var commandTable = map[string]cmdSpec{
	"CAPABILITY":   {0, 0, false, StateUnauth, false},
	"NOOP":         {0, 0, false, StateUnauth, false},
	"LOGOUT":       {0, 0, false, StateUnauth, false},
	"STARTTLS":     {0, 0, false, StateUnauth, false},
	"AUTHENTICATE": {1, 2, false, StateUnauth, false},
	"LOGIN":        {2, 2, false, StateUnauth, false},
	"SELECT":       {1, 1, false, StateAuth, false},
	"EXAMINE":      {1, 1, false, StateAuth, false},
	"CREATE":       {1, 1, false, StateAuth, false},
	"DELETE":       {1, 1, false, StateAuth, false},
	"RENAME":       {2, 2, false, StateAuth, false},
	"SUBSCRIBE":    {1, 1, false, StateAuth, false},
	"UNSUBSCRIBE":  {1, 1, false, StateAuth, false},
	"LIST":         {2, 2, false, StateAuth, false},
	"LSUB":         {2, 2, false, StateAuth, false},
	"STATUS":       {2, 2, false, StateAuth, false},
	"APPEND":       {2, 4, false, StateAuth, false},
	"CHECK":        {0, 0, false, StateSelected, false},
	"CLOSE":        {0, 0, false, StateSelected, false},
	"EXPUNGE":      {0, 1, true, StateSelected, false},
	"SEARCH":       {1, -1, true, StateSelected, false},
	"FETCH":        {2, 2, true, StateSelected, false},
	"STORE":        {3, 3, true, StateSelected, true},
	"COPY":         {2, 2, true, StateSelected, false},
	"XAOL-MOVE":    {2, 2, true, StateSelected, true},
	"IDLE":         {0, 0, false, StateAuth, false},
	"NAMESPACE":    {0, 0, false, StateAuth, false},
	"GETQUOTAROOT": {1, 1, false, StateAuth, false},
	"GETQUOTA":     {1, 1, false, StateAuth, false},
	"SETQUOTA":     {2, 2, false, StateAuth, false},
}

// Dispatch routes one already-tokenized command line. tokens[0] is the
// tag, tokens[1] the command name (possibly "UID"), the rest are
// arguments (groups still carry their enclosing brackets).
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, tokens []string) Result {
	if len(tokens) < 2 {
		return Result{Status: StatusBAD, Text: "missing tag or command"}
	}
	tag, cmd := tokens[0], strings.ToUpper(tokens[1])
	args := tokens[2:]

	if s.InIdle {
		if cmd == "DONE" {
			return Result{Status: StatusOK, Text: "IDLE complete"}
		}
		if d.IgnoreCommandIdle {
			return Result{} // silently ignored, no response at all
		}
		return Result{Status: StatusBAD, Text: "still in idle state"}
	}

	uidMode := false
	if cmd == "UID" {
		if len(args) == 0 {
			return Result{Status: StatusBAD, Text: "UID Command not supported"}
		}
		cmd = strings.ToUpper(args[0])
		args = args[1:]
		uidMode = true
		if spec, ok := commandTable[cmd]; !ok || !spec.uidModeOK {
			return Result{Status: StatusBAD, Text: "UID Command not supported"}
		}
	}

	spec, ok := commandTable[cmd]
	if !ok {
		return Result{Status: StatusBAD, Text: fmt.Sprintf("%s unknown command", cmd)}
	}
	if len(args) < spec.minArgs || (spec.maxArgs >= 0 && len(args) > spec.maxArgs) {
		return Result{Status: StatusBAD, Text: fmt.Sprintf("%s must have %d arguments", cmd, spec.minArgs)}
	}
	if !stateSatisfies(s.State, spec.requireState) {
		return Result{Status: StatusBAD, Text: fmt.Sprintf("%s not allowed in %s state", cmd, s.State)}
	}
	if spec.requireWrite && s.View != nil && s.View.ReadOnly {
		return Result{Status: StatusNO, Text: "mailbox selected read-only"}
	}

	res := d.route(ctx, s, cmd, args, uidMode)
	_ = tag
	return res
}

func stateSatisfies(have, want State) bool {
	if want == StateUnauth {
		return true // any state accepts UNAUTH+ commands
	}
	if want == StateAuth {
		return have == StateAuth || have == StateSelected
	}
	return have == StateSelected
}

func (d *Dispatcher) route(ctx context.Context, s *Session, cmd string, args []string, uidMode bool) Result {
	switch cmd {
	case "CAPABILITY":
		return Result{Untagged: []string{Capabilities(s, d.TLSAvailable, d.CapabilityIdle, d.Policy.DisablePlaintextAuth)}, Status: StatusOK, Text: "CAPABILITY completed"}
	case "NOOP":
		return Result{Status: StatusOK, Text: "NOOP completed"}
	case "LOGOUT":
		s.State = StateLogout
		return Result{Untagged: []string{"BYE logging out"}, Status: StatusOK, Text: "LOGOUT completed", EndSession: true}
	case "STARTTLS":
		return d.cmdStartTLS(s)
	case "AUTHENTICATE":
		return d.cmdAuthenticate(ctx, s, args)
	case "LOGIN":
		return d.cmdLogin(ctx, s, args)
	case "SELECT", "EXAMINE":
		return d.cmdSelect(ctx, s, args[0], cmd == "EXAMINE")
	case "CREATE":
		return d.cmdCreate(ctx, s, args[0])
	case "DELETE":
		return d.cmdDelete(ctx, s, args[0])
	case "RENAME":
		return d.cmdRename(ctx, s, args[0], args[1])
	case "SUBSCRIBE":
		return d.cmdSubscribe(ctx, s, args[0], true)
	case "UNSUBSCRIBE":
		return d.cmdSubscribe(ctx, s, args[0], false)
	case "LIST":
		return d.cmdList(ctx, s, args[0], args[1], false)
	case "LSUB":
		return d.cmdList(ctx, s, args[0], args[1], true)
	case "STATUS":
		return d.cmdStatus(ctx, s, args[0], args[1])
	case "APPEND":
		return d.cmdAppend(ctx, s, args)
	case "CHECK":
		return Result{Status: StatusOK, Text: "CHECK completed"}
	case "CLOSE":
		return d.cmdClose(ctx, s)
	case "EXPUNGE":
		return d.cmdExpunge(ctx, s, args, uidMode)
	case "SEARCH":
		return d.cmdSearch(ctx, s, args, uidMode)
	case "FETCH":
		return d.cmdFetch(ctx, s, args[0], args[1], uidMode)
	case "STORE":
		return d.cmdStore(ctx, s, args[0], args[1], args[2], uidMode)
	case "COPY":
		return d.cmdCopyMove(ctx, s, args[0], args[1], uidMode, false)
	case "XAOL-MOVE":
		return d.cmdCopyMove(ctx, s, args[0], args[1], uidMode, true)
	case "IDLE":
		return Result{Status: StatusBAD, Text: "IDLE must be driven by the connection loop"}
	case "NAMESPACE":
		return d.cmdNamespace(s)
	case "GETQUOTAROOT", "GETQUOTA":
		return d.cmdGetQuota(ctx, s)
	case "SETQUOTA":
		return Result{Status: StatusNO, Text: "Permission denied"}
	default:
		return Result{Status: StatusBAD, Text: fmt.Sprintf("%s unknown command", cmd)}
	}
}

func parseSeqArg(s *Session, arg string, uidMode bool) (*SeqSet, error) {
	star := uint32(len(s.View.Messages))
	if uidMode {
		star = s.View.LastUID
	}
	return ParseSeqSet(arg, star)
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

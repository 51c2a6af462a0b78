package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/mailgw/internal/mailerr"
	"github.com/infodancer/mailgw/internal/mailstore"
	"github.com/infodancer/mailgw/internal/mimecodec"
)

// SearchCriterion is one compiled node of the SEARCH criteria AST
// (component G). Evaluate is run locally against the view plus a
// fetched Message when header/body text must be inspected.
type SearchCriterion interface {
	Evaluate(env *searchEnv, e MailEntry) (bool, error)
}

// searchEnv supplies the context a criterion needs to evaluate: the
// folder to open messages from and the view for local flag/NEW/OLD
// comparisons.
type searchEnv struct {
	Ctx    context.Context
	Folder mailstore.Folder
	View   *MailboxView
}

type andCrit struct{ children []SearchCriterion }

func (c *andCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	for _, child := range c.children {
		ok, err := child.Evaluate(env, e)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type orCrit struct{ a, b SearchCriterion }

func (c *orCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	ok, err := c.a.Evaluate(env, e)
	if err != nil || ok {
		return ok, err
	}
	return c.b.Evaluate(env, e)
}

type notCrit struct{ child SearchCriterion }

func (c *notCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	ok, err := c.child.Evaluate(env, e)
	return !ok, err
}

type constCrit struct{ v bool }

func (c *constCrit) Evaluate(*searchEnv, MailEntry) (bool, error) { return c.v, nil }

type flagCrit struct {
	test func(mailstore.Flags) bool
}

func (c *flagCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	return c.test(e.Flags), nil
}

type newOldCrit struct{ kind string }

func (c *newOldCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	switch c.kind {
	case "NEW":
		return e.Recent && !e.Flags.Seen, nil
	case "OLD":
		return !e.Recent, nil
	case "RECENT":
		return e.Recent, nil
	}
	return true, nil
}

type sizeCrit struct {
	larger bool
	n      int64
}

func (c *sizeCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	if c.larger {
		return e.props.Size > c.n, nil
	}
	return e.props.Size < c.n, nil
}

type dateCrit struct {
	op string // "before", "on", "since"
	t  time.Time
	sentSide bool
}

func (c *dateCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	d := e.props.InternalDate
	switch c.op {
	case "before":
		return d.Before(c.t), nil
	case "on":
		return !d.Before(c.t) && d.Before(c.t.Add(24*time.Hour)), nil
	case "since":
		return !d.Before(c.t), nil
	}
	return true, nil
}

type uidCrit struct{ set *SeqSet }

func (c *uidCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	return c.set.Contains(e.UID), nil
}

// seqCrit matches a message by its sequence number in the view.
type seqCrit struct{ set *SeqSet }

func (c *seqCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	return c.set.Contains(uint32(env.View.SeqOf(e.UID))), nil
}

// textCrit requires the materialized message; it is the only kind of
// criterion that opens the store.
type textCrit struct {
	target string // "from", "subject", "body", "text", "to", "cc", "bcc", "header"
	header string // for HEADER name
	needle string
}

func (c *textCrit) Evaluate(env *searchEnv, e MailEntry) (bool, error) {
	msg, err := materialize(env.Ctx, env.Folder, e)
	if err != nil {
		return false, err
	}
	needle := strings.ToLower(c.needle)
	switch c.target {
	case "subject":
		env := msg.Envelope()
		return strings.Contains(strings.ToLower(env.Subject), needle), nil
	case "from":
		env := msg.Envelope()
		for _, a := range env.From {
			if strings.Contains(strings.ToLower(a.Name), needle) || strings.Contains(strings.ToLower(a.Mailbox+"@"+a.Host), needle) {
				return true, nil
			}
		}
		return false, nil
	case "body":
		return strings.Contains(strings.ToLower(string(msg.BodyText())), needle), nil
	case "text":
		return strings.Contains(strings.ToLower(string(msg.Full())), needle), nil
	case "to":
		return strings.Contains(strings.ToLower(msg.HeaderFields([]string{"To"})), needle), nil
	case "cc":
		return strings.Contains(strings.ToLower(msg.HeaderFields([]string{"Cc"})), needle), nil
	case "bcc":
		return strings.Contains(strings.ToLower(msg.HeaderFields([]string{"Bcc"})), needle), nil
	case "header":
		return strings.Contains(strings.ToLower(msg.HeaderFields([]string{c.header})), needle), nil
	}
	return false, nil
}

func materialize(ctx context.Context, folder mailstore.Folder, e MailEntry) (*mimecodec.Message, error) {
	m, err := folder.OpenMessage(ctx, e.EntryID, mailstore.OpenRead)
	if err != nil {
		return nil, err
	}
	rc, err := m.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return mimecodec.Parse(rc)
}

// CompileSearch parses a SEARCH criteria token list (already tokenized
// by the reader) into a SearchCriterion tree, per §4.G. star is the
// "*" resolution for any embedded sequence-set.
func CompileSearch(tokens []string, star uint32, uidMode bool) (SearchCriterion, error) {
	p := &searchParser{tokens: tokens, star: star, uidMode: uidMode}
	nodes, err := p.parseSequence()
	if err != nil {
		return nil, err
	}
	root := &andCrit{children: append([]SearchCriterion{&existsCrit{}}, nodes...)}
	return root, nil
}

type existsCrit struct{}

func (*existsCrit) Evaluate(*searchEnv, MailEntry) (bool, error) { return true, nil }

type searchParser struct {
	tokens  []string
	pos     int
	star    uint32
	uidMode bool
}

func (p *searchParser) parseSequence() ([]SearchCriterion, error) {
	var out []SearchCriterion
	for p.pos < len(p.tokens) {
		c, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *searchParser) next() (string, bool) {
	if p.pos >= len(p.tokens) {
		return "", false
	}
	t := p.tokens[p.pos]
	p.pos++
	return t, true
}

func (p *searchParser) parseOne() (SearchCriterion, error) {
	tok, ok := p.next()
	if !ok {
		return nil, fmt.Errorf("imap: SEARCH unexpected end of criteria")
	}
	upper := strings.ToUpper(tok)
	switch upper {
	case "ALL":
		return &constCrit{v: true}, nil
	case "NEW", "OLD", "RECENT":
		return &newOldCrit{kind: upper}, nil
	case "ANSWERED":
		return &flagCrit{test: func(f mailstore.Flags) bool { return f.Answered }}, nil
	case "UNANSWERED":
		return &flagCrit{test: func(f mailstore.Flags) bool { return !f.Answered }}, nil
	case "DELETED":
		return &flagCrit{test: func(f mailstore.Flags) bool { return f.Deleted }}, nil
	case "UNDELETED":
		return &flagCrit{test: func(f mailstore.Flags) bool { return !f.Deleted }}, nil
	case "DRAFT":
		return &flagCrit{test: func(f mailstore.Flags) bool { return f.Draft }}, nil
	case "UNDRAFT":
		return &flagCrit{test: func(f mailstore.Flags) bool { return !f.Draft }}, nil
	case "FLAGGED":
		return &flagCrit{test: func(f mailstore.Flags) bool { return f.Flagged }}, nil
	case "UNFLAGGED":
		return &flagCrit{test: func(f mailstore.Flags) bool { return !f.Flagged }}, nil
	case "SEEN":
		return &flagCrit{test: func(f mailstore.Flags) bool { return f.Seen }}, nil
	case "UNSEEN":
		return &flagCrit{test: func(f mailstore.Flags) bool { return !f.Seen }}, nil
	case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
		arg, ok := p.next()
		if !ok {
			return nil, fmt.Errorf("imap: SEARCH %s requires a date argument", upper)
		}
		t, err := parseIMAPDate(arg)
		if err != nil {
			return nil, err
		}
		op := map[string]string{"BEFORE": "before", "ON": "on", "SINCE": "since", "SENTBEFORE": "before", "SENTON": "on", "SENTSINCE": "since"}[upper]
		return &dateCrit{op: op, t: t, sentSide: strings.HasPrefix(upper, "SENT")}, nil
	case "FROM", "SUBJECT", "BODY", "TEXT", "TO", "CC", "BCC":
		arg, ok := p.next()
		if !ok {
			return nil, fmt.Errorf("imap: SEARCH %s requires an argument", upper)
		}
		return &textCrit{target: strings.ToLower(upper), needle: arg}, nil
	case "HEADER":
		name, ok1 := p.next()
		val, ok2 := p.next()
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("imap: SEARCH HEADER requires name and value")
		}
		return &textCrit{target: "header", header: name, needle: val}, nil
	case "SMALLER", "LARGER":
		arg, ok := p.next()
		if !ok {
			return nil, fmt.Errorf("imap: SEARCH %s requires a size argument", upper)
		}
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("imap: invalid size %q", arg)
		}
		return &sizeCrit{larger: upper == "LARGER", n: n}, nil
	case "UID":
		arg, ok := p.next()
		if !ok {
			return nil, fmt.Errorf("imap: SEARCH UID requires a sequence set")
		}
		set, err := ParseSeqSet(arg, p.star)
		if err != nil {
			return nil, err
		}
		return &uidCrit{set: set}, nil
	case "NOT":
		child, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		return &notCrit{child: child}, nil
	case "OR":
		a, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		b, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		return &orCrit{a: a, b: b}, nil
	case "KEYWORD":
		p.pos++ // consume keyword name, unsupported -> always false
		return &constCrit{v: false}, nil
	case "UNKEYWORD":
		p.pos++
		return &constCrit{v: true}, nil
	default:
		// Bare sequence-set at this position (only valid at the start
		// of the criteria list, but tolerated anywhere a token parses
		// as one, per the table's "<seq-set> at position 0" row).
		set, err := ParseSeqSet(tok, p.star)
		if err != nil {
			return nil, fmt.Errorf("imap: unrecognized SEARCH criterion %q", tok)
		}
		return &seqCrit{set: set}, nil
	}
}

var imapMonths = map[string]time.Month{
	"Jan": time.January, "Feb": time.February, "Mar": time.March, "Apr": time.April,
	"May": time.May, "Jun": time.June, "Jul": time.July, "Aug": time.August,
	"Sep": time.September, "Oct": time.October, "Nov": time.November, "Dec": time.December,
}

func parseIMAPDate(s string) (time.Time, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("imap: invalid date %q, want dd-Mon-yyyy", s)
	}
	day, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("imap: invalid day in date %q", s)
	}
	month, ok := imapMonths[parts[1]]
	if !ok {
		return time.Time{}, fmt.Errorf("imap: invalid month in date %q", s)
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("imap: invalid year in date %q", s)
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
}

// RunSearch evaluates crit against every entry in view, in seqnum
// order, and returns the matched sequence numbers (or, if uidMode, the
// matched UIDs).
func RunSearch(ctx context.Context, folder mailstore.Folder, view *MailboxView, crit SearchCriterion, uidMode bool) ([]uint32, error) {
	env := &searchEnv{Ctx: ctx, Folder: folder, View: view}
	var out []uint32
	for i, e := range view.Messages {
		ok, err := crit.Evaluate(env, e)
		if err != nil {
			if mailerr.Is(err, mailerr.KindNotFound) {
				continue
			}
			return nil, err
		}
		if !ok {
			continue
		}
		if uidMode {
			out = append(out, e.UID)
		} else {
			out = append(out, uint32(i+1))
		}
	}
	return out, nil
}

package imap

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/infodancer/mailgw/internal/mailstore"
	"github.com/infodancer/mailgw/internal/mimecodec"
)

// FetchItem is one parsed data item from a FETCH attribute list.
type FetchItem struct {
	Name    string // e.g. "FLAGS", "BODY", "RFC822.HEADER"; a ".PEEK" suffix is stripped and sets Peek
	Section string // contents of [...] for BODY[...]/BODY.PEEK[...], "" otherwise
	Partial string // contents of <...> if present
	Peek    bool
}

// ExpandMacro expands the ALL/FAST/FULL macros per §4.H.
func ExpandMacro(name string) []string {
	switch strings.ToUpper(name) {
	case "ALL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"}
	case "FAST":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE"}
	case "FULL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY"}
	default:
		return []string{name}
	}
}

// needsMaterialization reports whether item requires the message body
// to be fetched from the store and parsed, per §4.H's decision table.
func needsMaterialization(item FetchItem) bool {
	switch strings.ToUpper(item.Name) {
	case "FLAGS", "XAOL.SIZE", "INTERNALDATE", "UID":
		return false
	case "BODY", "BODYSTRUCTURE":
		return true // no persisted imapBody/imapBodystructure cache property in this store; always re-derive
	default:
		return true // ENVELOPE, RFC822*, BODY[...]
	}
}

// FetchResult is one rendered FETCH data item, already formatted for
// the wire (quoted or as a literal marker consumed by the writer).
type FetchResult struct {
	Name  string
	Value string // textual value; for literals this is the raw content and the writer wraps it {N}\r\n...
}

// FetchOne gathers every requested item for one mailbox entry,
// materializing the message via the MIME codec only if some item
// demands it. render is the session's single-entry cache; it is
// updated in place when a materialization occurs.
func FetchOne(ctx context.Context, folder mailstore.Folder, e MailEntry, items []FetchItem, render *RenderCache) ([]FetchResult, bool, error) {
	var msg *mimecodec.Message
	markSeen := false

	for _, it := range items {
		if !needsMaterialization(it) {
			continue
		}
		if msg != nil {
			continue
		}
		var err error
		msg, err = materializeCached(ctx, folder, e, render)
		if err != nil {
			return nil, false, err
		}
	}

	var out []FetchResult
	for _, it := range items {
		val, seen, err := renderItem(it, e, msg)
		if err != nil {
			return nil, false, err
		}
		if seen {
			markSeen = true
		}
		out = append(out, FetchResult{Name: it.Name, Value: val})
	}
	return out, markSeen, nil
}

func materializeCached(ctx context.Context, folder mailstore.Folder, e MailEntry, render *RenderCache) (*mimecodec.Message, error) {
	if render.UID == e.UID && render.Bytes != nil {
		return mimecodec.Parse(bytes.NewReader(render.Bytes))
	}
	m, err := folder.OpenMessage(ctx, e.EntryID, mailstore.OpenRead)
	if err != nil {
		return nil, err
	}
	rc, err := m.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	parsed, err := mimecodec.Parse(rc)
	if err != nil {
		return nil, err
	}
	render.UID = e.UID
	render.Bytes = parsed.Full()
	return parsed, nil
}

func renderItem(it FetchItem, e MailEntry, msg *mimecodec.Message) (string, bool, error) {
	name := strings.ToUpper(it.Name)
	switch name {
	case "FLAGS":
		return formatFlags(e.Flags), false, nil
	case "UID":
		return strconv.FormatUint(uint64(e.UID), 10), false, nil
	case "INTERNALDATE":
		return fmt.Sprintf("%q", e.props.InternalDate.Format("02-Jan-2006 15:04:05 -0700")), false, nil
	case "RFC822.SIZE", "XAOL.SIZE":
		return strconv.FormatInt(e.props.Size, 10), false, nil
	case "ENVELOPE":
		return formatEnvelope(msg.Envelope()), false, nil
	case "BODYSTRUCTURE", "BODY":
		if it.Section == "" {
			return formatBodyStructure(msg.Structure()), false, nil
		}
		return renderSection(it, msg)
	case "RFC822":
		return string(msg.Full()), !it.Peek, nil
	case "RFC822.HEADER":
		return string(msg.HeaderText()), false, nil
	case "RFC822.TEXT":
		return string(msg.BodyText()), !it.Peek, nil
	default:
		return "", false, fmt.Errorf("imap: unsupported FETCH item %q", it.Name)
	}
}

func renderSection(it FetchItem, msg *mimecodec.Message) (string, bool, error) {
	seen := !it.Peek
	section := it.Section
	switch {
	case section == "":
		return applyPartial(string(msg.Full()), it.Partial), seen, nil
	case strings.EqualFold(section, "HEADER"):
		return applyPartial(string(msg.HeaderText()), it.Partial), false, nil
	case strings.EqualFold(section, "TEXT"):
		return applyPartial(string(msg.BodyText()), it.Partial), seen, nil
	case strings.HasPrefix(strings.ToUpper(section), "HEADER.FIELDS.NOT"):
		names := parseFieldNames(section)
		return applyPartial(headerFieldsNot(msg, names), it.Partial), false, nil
	case strings.HasPrefix(strings.ToUpper(section), "HEADER.FIELDS"):
		names := parseFieldNames(section)
		return applyPartial(msg.HeaderFields(names), it.Partial), false, nil
	default:
		path, sub := splitSectionPath(section)
		raw, err := msg.Part(path)
		if err != nil {
			return "", false, err
		}
		switch strings.ToUpper(sub) {
		case "":
			return applyPartial(string(raw), it.Partial), seen, nil
		case "TEXT":
			part, err := mimecodec.Parse(bytes.NewReader(raw))
			if err != nil {
				return "", false, err
			}
			return applyPartial(string(part.BodyText()), it.Partial), seen, nil
		case "HEADER", "MIME":
			part, err := mimecodec.Parse(bytes.NewReader(raw))
			if err != nil {
				return "", false, err
			}
			return applyPartial(string(part.HeaderText()), it.Partial), false, nil
		default:
			return "", false, fmt.Errorf("imap: unsupported section suffix %q", sub)
		}
	}
}

func splitSectionPath(section string) (path, sub string) {
	parts := strings.Split(section, ".")
	i := 0
	for i < len(parts) {
		if _, err := strconv.Atoi(parts[i]); err != nil {
			break
		}
		i++
	}
	return strings.Join(parts[:i], "."), strings.Join(parts[i:], ".")
}

func parseFieldNames(section string) []string {
	start := strings.Index(section, "(")
	end := strings.LastIndex(section, ")")
	if start < 0 || end < 0 || end <= start {
		return nil
	}
	fields := strings.Fields(section[start+1 : end])
	return fields
}

func headerFieldsNot(msg *mimecodec.Message, exclude []string) string {
	excl := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		excl[strings.ToLower(n)] = true
	}
	var keep []string
	for _, line := range strings.Split(string(msg.HeaderText()), "\r\n") {
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !excl[strings.ToLower(strings.TrimSpace(name))] {
			keep = append(keep, strings.TrimSpace(name))
		}
	}
	return msg.HeaderFields(keep)
}

func applyPartial(s, partial string) string {
	if partial == "" {
		return s
	}
	offStr, lenStr, ok := strings.Cut(partial, ".")
	off, err := strconv.Atoi(offStr)
	if err != nil || off < 0 {
		return s
	}
	if off >= len(s) {
		return ""
	}
	s = s[off:]
	if !ok {
		return s
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 {
		return s
	}
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

func formatEnvelope(e mimecodec.Envelope) string {
	addrList := func(addrs []mimecodec.Address) string {
		if len(addrs) == 0 {
			return "NIL"
		}
		var parts []string
		for _, a := range addrs {
			parts = append(parts, fmt.Sprintf("(%q NIL %q %q)", a.Name, a.Mailbox, a.Host))
		}
		return "(" + strings.Join(parts, " ") + ")"
	}
	nilOr := func(s string) string {
		if s == "" {
			return "NIL"
		}
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		nilOr(e.Date), nilOr(e.Subject), addrList(e.From), addrList(e.Sender), addrList(e.ReplyTo),
		addrList(e.To), addrList(e.CC), addrList(e.BCC), nilOr(e.InReplyTo), nilOr(e.MessageID))
}

func formatBodyStructure(bs mimecodec.BodyStructure) string {
	if len(bs.Parts) > 0 {
		var parts []string
		for _, p := range bs.Parts {
			parts = append(parts, formatBodyStructure(p))
		}
		return "(" + strings.Join(parts, "") + fmt.Sprintf(" %q)", strings.ToLower(bs.MIMESubtype))
	}
	return fmt.Sprintf("(%q %q NIL NIL NIL NIL %d %d)", strings.ToLower(bs.MIMEType), strings.ToLower(bs.MIMESubtype), bs.Size, bs.Lines)
}

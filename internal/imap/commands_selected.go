package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/mailgw/internal/mailstore"
)

func (d *Dispatcher) cmdClose(ctx context.Context, s *Session) Result {
	if !s.View.ReadOnly {
		_, _ = Expunge(ctx, s.View.Folder, s.View, nil)
	}
	s.Deselect()
	s.State = StateAuth
	return Result{Status: StatusOK, Text: "CLOSE completed"}
}

func (d *Dispatcher) cmdExpunge(ctx context.Context, s *Session, args []string, uidMode bool) Result {
	var restrict *SeqSet
	if uidMode && len(args) == 1 {
		set, err := parseSeqArg(s, args[0], true)
		if err != nil {
			return Result{Status: StatusBAD, Text: err.Error()}
		}
		restrict = set
	}
	deleted, err := Expunge(ctx, s.View.Folder, s.View, restrict)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	var untagged []string
	for _, id := range deleted {
		if seq := s.View.SeqOf(findUID(s.View, id)); seq > 0 {
			untagged = append(untagged, fmt.Sprintf("%d EXPUNGE", seq))
		}
	}
	lines, err := s.View.Refresh(ctx, false, true)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	untagged = append(untagged, responseLines(lines)...)
	return Result{Untagged: untagged, Status: StatusOK, Text: "EXPUNGE completed"}
}

func findUID(view *MailboxView, id mailstore.EntryID) uint32 {
	for _, m := range view.Messages {
		if m.EntryID == id {
			return m.UID
		}
	}
	return 0
}

func (d *Dispatcher) cmdSearch(ctx context.Context, s *Session, args []string, uidMode bool) Result {
	star := uint32(len(s.View.Messages))
	if uidMode {
		star = s.View.LastUID
	}
	crit, err := CompileSearch(args, star, uidMode)
	if err != nil {
		return Result{Status: StatusBAD, Text: err.Error()}
	}
	matches, err := RunSearch(ctx, s.View.Folder, s.View, crit, uidMode)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	nums := make([]string, len(matches))
	for i, n := range matches {
		nums[i] = strconv.FormatUint(uint64(n), 10)
	}
	return Result{Untagged: []string{"SEARCH " + strings.Join(nums, " ")}, Status: StatusOK, Text: "SEARCH completed"}
}

func (d *Dispatcher) cmdFetch(ctx context.Context, s *Session, seqArg, itemsArg string, uidMode bool) Result {
	star := uint32(len(s.View.Messages))
	if uidMode {
		star = s.View.LastUID
	}
	set, err := ParseSeqSet(seqArg, star)
	if err != nil {
		return Result{Status: StatusBAD, Text: err.Error()}
	}
	items, err := parseFetchItems(itemsArg)
	if err != nil {
		return Result{Status: StatusBAD, Text: err.Error()}
	}
	if uidMode {
		hasUID := false
		for _, it := range items {
			if strings.EqualFold(it.Name, "UID") {
				hasUID = true
			}
		}
		if !hasUID {
			items = append(items, FetchItem{Name: "UID"})
		}
	}

	var untagged []string
	var markSeen []mailstore.EntryID
	for seq := 1; seq <= len(s.View.Messages); seq++ {
		uid := s.View.Messages[seq-1].UID
		if uidMode {
			if !set.Contains(uid) {
				continue
			}
		} else if !set.Contains(uint32(seq)) {
			continue
		}
		e := s.View.Messages[seq-1]
		results, needsSeen, err := FetchOne(ctx, s.View.Folder, e, items, &s.Render)
		if err != nil {
			status, text := MapError(err)
			return Result{Status: status, Text: text}
		}
		if needsSeen {
			markSeen = append(markSeen, e.EntryID)
		}
		untagged = append(untagged, fmt.Sprintf("%d FETCH (%s)", seq, formatFetchResults(results)))
	}

	if len(markSeen) > 0 {
		for _, id := range markSeen {
			msg, err := s.View.Folder.OpenMessage(ctx, id, mailstore.OpenReadWrite)
			if err != nil {
				continue
			}
			props, err := msg.Props(ctx)
			if err != nil {
				continue
			}
			props.MsgFlags |= mailstore.MsgFlagRead
			if err := msg.SetProps(ctx, props); err == nil {
				msg.SaveChanges(ctx)
			}
		}
	}
	return Result{Untagged: untagged, Status: StatusOK, Text: "FETCH completed"}
}

func formatFetchResults(results []FetchResult) string {
	var parts []string
	for _, r := range results {
		parts = append(parts, r.Name, formatFetchValue(r.Value))
	}
	return strings.Join(parts, " ")
}

// formatFetchValue wraps multi-line values as an IMAP literal; single
// words/parenthesized structures (ENVELOPE, FLAGS, numbers) pass through.
func formatFetchValue(v string) string {
	if strings.Contains(v, "\n") || strings.Contains(v, "\r") {
		return fmt.Sprintf("{%d}\r\n%s", len(v), v)
	}
	return v
}

func parseFetchItems(raw string) ([]FetchItem, error) {
	raw = StripGroup(raw)
	tokens := splitBracketAware(raw)
	var out []FetchItem
	for _, tok := range tokens {
		expanded := ExpandMacro(tok)
		if len(expanded) > 1 {
			for _, name := range expanded {
				out = append(out, FetchItem{Name: name})
			}
			continue
		}
		item, err := parseOneFetchItem(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func parseOneFetchItem(tok string) (FetchItem, error) {
	name := tok
	section := ""
	partial := ""
	if idx := strings.Index(tok, "<"); idx >= 0 && strings.HasSuffix(tok, ">") {
		partial = tok[idx+1 : len(tok)-1]
		name = tok[:idx]
	}
	if idx := strings.Index(name, "["); idx >= 0 {
		if !strings.HasSuffix(name, "]") {
			return FetchItem{}, fmt.Errorf("imap: malformed FETCH section %q", tok)
		}
		section = name[idx+1 : len(name)-1]
		name = name[:idx]
	}
	peek := false
	upper := strings.ToUpper(name)
	if strings.HasSuffix(upper, ".PEEK") {
		peek = true
		name = name[:len(name)-len(".PEEK")]
	}
	if strings.EqualFold(name, "BODY") && section != "" {
		name = "BODY"
	}
	return FetchItem{Name: name, Section: section, Partial: partial, Peek: peek}, nil
}

// splitBracketAware splits raw on spaces, treating [...] and (...) runs
// (possibly nested, of either kind) as part of the preceding token.
func splitBracketAware(raw string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ' ':
			if depth == 0 {
				if i > start {
					out = append(out, raw[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(raw) {
		out = append(out, raw[start:])
	}
	return out
}

func (d *Dispatcher) cmdStore(ctx context.Context, s *Session, seqArg, verb, flagList string, uidMode bool) Result {
	star := uint32(len(s.View.Messages))
	if uidMode {
		star = s.View.LastUID
	}
	set, err := ParseSeqSet(seqArg, star)
	if err != nil {
		return Result{Status: StatusBAD, Text: err.Error()}
	}
	op, err := ParseStoreArgs(verb, flagList)
	if err != nil {
		return Result{Status: StatusBAD, Text: err.Error()}
	}

	var untagged []string
	for seq := 1; seq <= len(s.View.Messages); seq++ {
		e := s.View.Messages[seq-1]
		matched := set.Contains(e.UID)
		if !uidMode {
			matched = set.Contains(uint32(seq))
		}
		if !matched {
			continue
		}
		flags, err := ApplyStore(ctx, s.View.Folder, e.EntryID, op)
		if err != nil {
			status, text := MapError(err)
			return Result{Status: status, Text: text}
		}
		s.View.Messages[seq-1].Flags = flags
		if !op.Silent {
			untagged = append(untagged, fmt.Sprintf("%d FETCH (FLAGS %s UID %d)", seq, formatFlags(flags), e.UID))
		}
	}

	if d.ExpungeOnDelete && op.Mode != StoreRemove && op.Flags.Deleted {
		deleted, err := Expunge(ctx, s.View.Folder, s.View, nil)
		if err != nil {
			status, text := MapError(err)
			return Result{Untagged: untagged, Status: status, Text: text}
		}
		for _, id := range deleted {
			if seq := s.View.SeqOf(findUID(s.View, id)); seq > 0 {
				untagged = append(untagged, fmt.Sprintf("%d EXPUNGE", seq))
			}
		}
		lines, err := s.View.Refresh(ctx, false, true)
		if err == nil {
			untagged = append(untagged, responseLines(lines)...)
		}
	}

	return Result{Untagged: untagged, Status: StatusOK, Text: "STORE completed"}
}

func (d *Dispatcher) cmdCopyMove(ctx context.Context, s *Session, seqArg, destWire string, uidMode, move bool) Result {
	star := uint32(len(s.View.Messages))
	if uidMode {
		star = s.View.LastUID
	}
	set, err := ParseSeqSet(seqArg, star)
	if err != nil {
		return Result{Status: StatusBAD, Text: err.Error()}
	}
	dst, _, err := d.resolveFolder(ctx, s, destWire)
	if err != nil {
		status, text := MapError(err)
		code := ""
		if TryCreateHint(err) {
			code = "TRYCREATE"
		}
		return Result{Status: status, Code: code, Text: text}
	}

	var ids []mailstore.EntryID
	var seqs []int
	for seq := 1; seq <= len(s.View.Messages); seq++ {
		e := s.View.Messages[seq-1]
		matched := set.Contains(e.UID)
		if !uidMode {
			matched = set.Contains(uint32(seq))
		}
		if matched {
			ids = append(ids, e.EntryID)
			seqs = append(seqs, seq)
		}
	}

	rows, err := CopyMove(ctx, s.View.Folder, dst, ids, move)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}

	var untagged []string
	verb := "COPY"
	if move {
		verb = "XAOL-MOVE"
		for i := len(seqs) - 1; i >= 0; i-- {
			untagged = append(untagged, fmt.Sprintf("%d EXPUNGE", seqs[i]))
		}
		lines, err := s.View.Refresh(ctx, false, true)
		if err == nil {
			untagged = append(untagged, responseLines(lines)...)
		}
	}

	if !move && len(rows) > 0 {
		dstProps, err := dst.Props(ctx)
		if err == nil {
			code := fmt.Sprintf("COPYUID %d %s %s", dstProps.UIDValidity, joinUIDs(ids, s.View), joinRowUIDs(rows))
			return Result{Untagged: untagged, Status: StatusOK, Code: code, Text: verb + " completed"}
		}
	}
	return Result{Untagged: untagged, Status: StatusOK, Text: verb + " completed"}
}

func joinUIDs(ids []mailstore.EntryID, view *MailboxView) string {
	var parts []string
	for _, id := range ids {
		parts = append(parts, strconv.FormatUint(uint64(findUID(view, id)), 10))
	}
	return strings.Join(parts, ",")
}

func joinRowUIDs(rows []mailstore.ContentsRow) string {
	var parts []string
	for _, r := range rows {
		parts = append(parts, strconv.FormatUint(uint64(r.UID), 10))
	}
	return strings.Join(parts, ",")
}

func (d *Dispatcher) cmdAppend(ctx context.Context, s *Session, args []string) Result {
	wireName := args[0]
	rest := args[1 : len(args)-1]
	data := args[len(args)-1]

	folder, _, err := d.resolveFolder(ctx, s, wireName)
	if err != nil {
		status, text := MapError(err)
		code := ""
		if TryCreateHint(err) {
			code = "TRYCREATE"
		}
		return Result{Status: status, Code: code, Text: text}
	}

	var flags mailstore.Flags
	var internalDate time.Time
	for _, tok := range rest {
		if strings.HasPrefix(tok, "(") {
			op, err := ParseStoreArgs("FLAGS", tok)
			if err == nil {
				flags = op.Flags
			}
			continue
		}
		if t, err := time.Parse(`"02-Jan-2006 15:04:05 -0700"`, tok); err == nil {
			internalDate = t
		}
	}

	res, err := Append(ctx, folder, []byte(data), flags, internalDate)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	code := fmt.Sprintf("APPENDUID %d %d", res.UIDValidity, res.UID)
	return Result{Status: StatusOK, Code: code, Text: "APPEND completed"}
}

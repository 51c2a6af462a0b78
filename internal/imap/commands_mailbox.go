package imap

import (
	"context"
	"fmt"
	"strings"

	"github.com/infodancer/mailgw/internal/charset"
	"github.com/infodancer/mailgw/internal/mailerr"
	"github.com/infodancer/mailgw/internal/mailstore"
)

// Hierarchy delimiter, spec §6.4. The character may not begin or end a
// mailbox name.
const hierarchyDelim = "/"

func splitMailboxPath(wireName string) ([]string, error) {
	name, err := charset.DecodeUTF7(strings.Trim(wireName, `"`))
	if err != nil {
		return nil, mailerr.New("splitMailboxPath", mailerr.KindInvalidArgument, fmt.Errorf("invalid folder name"))
	}
	if name == "" {
		return nil, mailerr.New("splitMailboxPath", mailerr.KindInvalidArgument, fmt.Errorf("invalid mailbox name: empty name"))
	}
	if strings.HasPrefix(name, hierarchyDelim) || strings.HasSuffix(name, hierarchyDelim) {
		return nil, mailerr.New("splitMailboxPath", mailerr.KindInvalidArgument, fmt.Errorf("invalid mailbox name"))
	}
	if strings.EqualFold(name, "INBOX") {
		return []string{"INBOX"}, nil
	}
	return strings.Split(name, hierarchyDelim), nil
}

func (d *Dispatcher) resolveFolder(ctx context.Context, s *Session, wireName string) (mailstore.Folder, []string, error) {
	path, err := splitMailboxPath(wireName)
	if err != nil {
		return nil, nil, err
	}
	store := s.Store
	if d.PublicFolders && len(path) > 0 && strings.EqualFold(path[0], "Public folders") {
		if s.PublicStore == nil {
			return nil, path, mailerr.New("resolveFolder", mailerr.KindNotFound, fmt.Errorf("public folders not configured"))
		}
		store = s.PublicStore
		path = path[1:]
	}
	f, err := store.ResolveFolder(ctx, path)
	return f, path, err
}

func (d *Dispatcher) cmdSelect(ctx context.Context, s *Session, wireName string, readOnly bool) Result {
	folder, path, err := d.resolveFolder(ctx, s, wireName)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	view, lines, err := SelectFolder(ctx, folder, strings.Join(path, hierarchyDelim), readOnly)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	s.View = view
	s.Render = RenderCache{}
	s.State = StateSelected
	untagged := responseLines(lines)
	untagged = append(untagged, fmt.Sprintf("OK [UIDVALIDITY %d]", view.UIDValidity))
	untagged = append(untagged, fmt.Sprintf("OK [UIDNEXT %d]", view.LastUID+1))
	untagged = append(untagged, "FLAGS (\\Seen \\Answered \\Flagged \\Deleted \\Draft $Forwarded)")
	text := "SELECT completed"
	if readOnly {
		text = "EXAMINE completed"
	}
	code := "READ-WRITE"
	if readOnly {
		code = "READ-ONLY"
	}
	return Result{Untagged: untagged, Status: StatusOK, Code: code, Text: text}
}

func (d *Dispatcher) cmdCreate(ctx context.Context, s *Session, wireName string) Result {
	path, err := splitMailboxPath(wireName)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	root, err := s.Store.Root(ctx)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	parent := root
	for i, seg := range path {
		if i == len(path)-1 {
			if _, err := s.Store.CreateFolder(ctx, parent, seg); err != nil {
				status, text := MapError(err)
				return Result{Status: status, Text: text}
			}
			break
		}
		next, err := s.Store.ResolveFolder(ctx, path[:i+1])
		if err != nil {
			status, text := MapError(err)
			return Result{Status: status, Text: text}
		}
		parent = next
	}
	return Result{Status: StatusOK, Text: "CREATE completed"}
}

func (d *Dispatcher) cmdDelete(ctx context.Context, s *Session, wireName string) Result {
	path, err := splitMailboxPath(wireName)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	if strings.EqualFold(path[0], "INBOX") {
		return Result{Status: StatusNO, Text: "INBOX cannot be deleted"}
	}
	folder, err := s.Store.ResolveFolder(ctx, path)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	parent, err := s.Store.ResolveFolder(ctx, path[:len(path)-1])
	if err != nil {
		parent, err = s.Store.Root(ctx)
		if err != nil {
			status, text := MapError(err)
			return Result{Status: status, Text: text}
		}
	}
	if err := s.Store.DeleteFolder(ctx, parent, folder); err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	return Result{Status: StatusOK, Text: "DELETE completed"}
}

func (d *Dispatcher) cmdRename(ctx context.Context, s *Session, fromWire, toWire string) Result {
	fromPath, err := splitMailboxPath(fromWire)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	if strings.EqualFold(fromPath[0], "INBOX") {
		// Left unimplemented pending a decision on how to relocate
		// INBOX's special-folder identity; fails the whole command.
		return Result{Status: StatusNO, Text: "CALL_FAILED"}
	}
	toPath, err := splitMailboxPath(toWire)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	folder, err := s.Store.ResolveFolder(ctx, fromPath)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	newParent, err := s.Store.ResolveFolder(ctx, toPath[:len(toPath)-1])
	if err != nil {
		newParent, err = s.Store.Root(ctx)
		if err != nil {
			status, text := MapError(err)
			return Result{Status: status, Text: text}
		}
	}
	if err := s.Store.RenameFolder(ctx, folder, newParent, toPath[len(toPath)-1]); err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	return Result{Status: StatusOK, Text: "RENAME completed"}
}

func (d *Dispatcher) cmdSubscribe(ctx context.Context, s *Session, wireName string, subscribe bool) Result {
	path, err := splitMailboxPath(wireName)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	if err := s.Store.SetSubscribed(ctx, path, subscribe); err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	s.Subscribed, _ = s.Store.Subscriptions(ctx)
	verb := "SUBSCRIBE"
	if !subscribe {
		verb = "UNSUBSCRIBE"
	}
	return Result{Status: StatusOK, Text: verb + " completed"}
}

func (d *Dispatcher) cmdList(ctx context.Context, s *Session, refWire, patWire string, lsub bool) Result {
	pattern, err := charset.DecodeUTF7(strings.Trim(patWire, `"`))
	if err != nil {
		pattern = strings.Trim(patWire, `"`)
	}
	if pattern == "" {
		return Result{Status: StatusOK, Untagged: []string{fmt.Sprintf(`LIST (\Noselect) "%s" ""`, hierarchyDelim)}, Text: "LIST completed"}
	}
	root, err := s.Store.Root(ctx)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	var lines []string
	var walk func(f mailstore.Folder, name string) error
	walk = func(f mailstore.Folder, name string) error {
		props, err := f.Props(ctx)
		if err != nil {
			return err
		}
		matched := matchListPattern(name, pattern)
		if matched && (!lsub || subscribedPath(s.Subscribed, name)) {
			attrs := []string{}
			if props.HasChildren {
				attrs = append(attrs, `\HasChildren`)
			} else if props.HasNoChildren {
				attrs = append(attrs, `\HasNoChildren`)
			}
			verb := "LIST"
			if lsub {
				verb = "LSUB"
			}
			lines = append(lines, fmt.Sprintf(`%s (%s) "%s" "%s"`, verb, strings.Join(attrs, " "), hierarchyDelim, charset.EncodeUTF7(name)))
		}
		children, err := f.HierarchyTable(ctx)
		if err != nil {
			return err
		}
		for _, c := range children {
			child, err := s.Store.ResolveFolder(ctx, strings.Split(name+hierarchyDelim+c.Name, hierarchyDelim))
			if err != nil {
				continue
			}
			if err := walk(child, strings.Trim(name+hierarchyDelim+c.Name, hierarchyDelim)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	verb := "LIST"
	if lsub {
		verb = "LSUB"
	}
	return Result{Untagged: lines, Status: StatusOK, Text: verb + " completed"}
}

// matchListPattern implements RFC 3501 §6.3.8 LIST wildcards: "*"
// matches zero or more characters including the hierarchy delimiter,
// "%" matches zero or more characters except the delimiter.
func matchListPattern(name, pattern string) bool {
	return globMatch(name, pattern)
}

func globMatch(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if globMatch(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(s); i++ {
			if i < len(s) && s[i] == '/' {
				return globMatch(s[i:], pattern[1:])
			}
			if globMatch(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatch(s[1:], pattern[1:])
	}
}

func subscribedPath(subs []string, name string) bool {
	for _, p := range subs {
		if p == name {
			return true
		}
	}
	return false
}

func (d *Dispatcher) cmdStatus(ctx context.Context, s *Session, wireName, itemsGroup string) Result {
	path, err := splitMailboxPath(wireName)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	folder, err := s.Store.ResolveFolder(ctx, path)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	props, err := folder.Props(ctx)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	items := strings.Fields(StripGroup(itemsGroup))
	var parts []string
	for _, it := range items {
		switch strings.ToUpper(it) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", props.MessageCount))
		case "RECENT":
			parts = append(parts, "RECENT 0")
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", props.NextUID))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", props.UIDValidity))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", props.UnseenCount))
		}
	}
	line := fmt.Sprintf(`STATUS "%s" (%s)`, charset.EncodeUTF7(strings.Join(path, hierarchyDelim)), strings.Join(parts, " "))
	return Result{Untagged: []string{line}, Status: StatusOK, Text: "STATUS completed"}
}

func (d *Dispatcher) cmdNamespace(s *Session) Result {
	line := `NAMESPACE (("" "/")) NIL NIL`
	if d.PublicFolders {
		line = `NAMESPACE (("" "/")) NIL (("Public folders/" "/"))`
	}
	return Result{Untagged: []string{line}, Status: StatusOK, Text: "NAMESPACE completed"}
}

func (d *Dispatcher) cmdGetQuota(ctx context.Context, s *Session) Result {
	used, limit, err := s.Session.Quota(ctx)
	if err != nil {
		status, text := MapError(err)
		return Result{Status: status, Text: text}
	}
	line := fmt.Sprintf(`QUOTA "" (STORAGE %d %d)`, used/1024, limit/1024)
	return Result{Untagged: []string{line}, Status: StatusOK, Text: "GETQUOTA completed"}
}

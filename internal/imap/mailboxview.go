package imap

import (
	"context"
	"fmt"
	"sort"

	"github.com/infodancer/mailgw/internal/mailstore"
)

// MailEntry is one message in a selected folder's ordered view.
type MailEntry struct {
	EntryID mailstore.EntryID
	UID     uint32
	Recent  bool
	Flags   mailstore.Flags
	props   mailstore.MessageProps
}

// FetchResponse is one deferred untagged line a Refresh/IDLE pass wants
// the caller to write, in emission order.
type FetchResponse struct {
	Line string
}

// MailboxView is the ordered per-selected-folder cache described in
// spec §3/§4.F: sequence numbers are 1-based positions into Messages,
// stable only within one SELECT epoch.
type MailboxView struct {
	Folder      mailstore.Folder
	Name        string
	ReadOnly    bool
	UIDValidity uint32
	LastUID     uint32
	Messages    []MailEntry
}

// SelectFolder builds a fresh MailboxView for folder, performing the
// initial Refresh. LastUID starts at the folder's persisted MaxSeenUID,
// the watermark the initial Refresh computes \Recent against.
func SelectFolder(ctx context.Context, folder mailstore.Folder, name string, readOnly bool) (*MailboxView, []FetchResponse, error) {
	props, err := folder.Props(ctx)
	if err != nil {
		return nil, nil, err
	}
	v := &MailboxView{
		Folder:      folder,
		Name:        name,
		ReadOnly:    readOnly,
		UIDValidity: props.UIDValidity,
		LastUID:     props.MaxSeenUID,
	}
	lines, err := v.Refresh(ctx, true, true)
	return v, lines, err
}

// Refresh applies §4.F's algorithm: reconcile the folder's contents
// table against the previous view, emitting FETCH/EXPUNGE/EXISTS/RECENT
// lines for whatever changed. resetRecent controls whether lastUID is
// written back to the folder (expiring \Recent for other sessions).
func (v *MailboxView) Refresh(ctx context.Context, initial, resetRecent bool) ([]FetchResponse, error) {
	props, err := v.Folder.Props(ctx)
	if err != nil {
		return nil, err
	}
	v.UIDValidity = props.UIDValidity
	maxImapID := v.LastUID

	rows, err := v.Folder.ContentsTable(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UID < rows[j].UID })

	oldIndex := make(map[uint32]int, len(v.Messages))
	for i, m := range v.Messages {
		oldIndex[m.UID] = i
	}

	var out []FetchResponse
	newMessages := make([]MailEntry, 0, len(rows))
	newCount := 0
	recentCount := 0

	for _, row := range rows {
		if idx, ok := oldIndex[row.UID]; ok {
			old := v.Messages[idx]
			flags := mailstore.PropsToFlags(row.Props, old.Recent)
			entry := MailEntry{EntryID: row.EntryID, UID: row.UID, Recent: old.Recent, Flags: flags, props: row.Props}
			if flags != old.Flags {
				out = append(out, FetchResponse{Line: fmt.Sprintf("%d FETCH (FLAGS %s)", idx+1, formatFlags(flags))})
			}
			newMessages = append(newMessages, entry)
			delete(oldIndex, row.UID)
			continue
		}
		recent := row.UID > maxImapID
		flags := mailstore.PropsToFlags(row.Props, recent)
		newMessages = append(newMessages, MailEntry{EntryID: row.EntryID, UID: row.UID, Recent: recent, Flags: flags, props: row.Props})
		if row.UID > v.LastUID {
			v.LastUID = row.UID
		}
		newCount++
		if recent {
			recentCount++
		}
	}

	// Remaining oldIndex entries are deletions; emit EXPUNGE in
	// descending seqnum order so earlier indices stay valid to the client.
	type delEntry struct {
		seq int
	}
	var deletions []delEntry
	for _, idx := range oldIndex {
		deletions = append(deletions, delEntry{seq: idx + 1})
	}
	sort.Slice(deletions, func(i, j int) bool { return deletions[i].seq > deletions[j].seq })
	for _, d := range deletions {
		out = append(out, FetchResponse{Line: fmt.Sprintf("%d EXPUNGE", d.seq)})
	}

	v.Messages = newMessages

	if newCount > 0 || initial {
		out = append(out, FetchResponse{Line: fmt.Sprintf("%d EXISTS", len(v.Messages))})
		out = append(out, FetchResponse{Line: fmt.Sprintf("%d RECENT", v.countRecent())})
	}

	if resetRecent && v.LastUID > maxImapID {
		if err := v.Folder.SetMaxSeenUID(ctx, v.LastUID); err != nil {
			return out, err
		}
	}

	return out, nil
}

func (v *MailboxView) countRecent() int {
	n := 0
	for _, m := range v.Messages {
		if m.Recent {
			n++
		}
	}
	return n
}

// SeqOf returns the 1-based sequence number of uid in the current
// epoch, or 0 if not present.
func (v *MailboxView) SeqOf(uid uint32) int {
	for i, m := range v.Messages {
		if m.UID == uid {
			return i + 1
		}
	}
	return 0
}

// At returns the entry at 1-based sequence number seq, or false if out
// of range.
func (v *MailboxView) At(seq int) (MailEntry, bool) {
	if seq < 1 || seq > len(v.Messages) {
		return MailEntry{}, false
	}
	return v.Messages[seq-1], true
}

func formatFlags(f mailstore.Flags) string {
	var names []string
	if f.Seen {
		names = append(names, `\Seen`)
	}
	if f.Answered {
		names = append(names, `\Answered`)
	}
	if f.Flagged {
		names = append(names, `\Flagged`)
	}
	if f.Deleted {
		names = append(names, `\Deleted`)
	}
	if f.Draft {
		names = append(names, `\Draft`)
	}
	if f.Recent {
		names = append(names, `\Recent`)
	}
	if f.Forwarded {
		names = append(names, `$Forwarded`)
	}
	s := "("
	for i, n := range names {
		if i > 0 {
			s += " "
		}
		s += n
	}
	return s + ")"
}

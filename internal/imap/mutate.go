package imap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/infodancer/mailgw/internal/mailstore"
)

// AppendResult carries the UIDPLUS response data for a successful APPEND.
type AppendResult struct {
	UIDValidity uint32
	UID         uint32
}

// Append implements §4.I's APPEND: materialize the literal into a new
// message in folder, apply the optional flag list and INTERNALDATE,
// and save.
func Append(ctx context.Context, folder mailstore.Folder, data []byte, flags mailstore.Flags, internalDate time.Time) (AppendResult, error) {
	msg, err := folder.CreateMessage(ctx)
	if err != nil {
		return AppendResult{}, err
	}
	w, err := msg.OpenWriteStream(ctx)
	if err != nil {
		return AppendResult{}, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return AppendResult{}, err
	}
	if err := w.Close(); err != nil {
		return AppendResult{}, err
	}

	props, err := msg.Props(ctx)
	if err != nil {
		return AppendResult{}, err
	}
	props = mailstore.FlagsToProps(props, flags)
	if !internalDate.IsZero() {
		props.InternalDate = internalDate
	}
	if err := msg.SetProps(ctx, props); err != nil {
		return AppendResult{}, err
	}
	if err := msg.SaveChanges(ctx); err != nil {
		return AppendResult{}, err
	}

	fprops, err := folder.Props(ctx)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{UIDValidity: fprops.UIDValidity, UID: fprops.NextUID - 1}, nil
}

// StoreOp is one parsed STORE command: which flags to set/clear/replace
// and whether responses should be suppressed.
type StoreOp struct {
	Mode   StoreMode
	Silent bool
	Flags  mailstore.Flags
}

type StoreMode int

const (
	StoreReplace StoreMode = iota
	StoreAdd
	StoreRemove
)

// ApplyStore mutates the properties of one entry's message per op,
// returning the resulting flags (for the FETCH response, unless Silent).
func ApplyStore(ctx context.Context, folder mailstore.Folder, id mailstore.EntryID, op StoreOp) (mailstore.Flags, error) {
	msg, err := folder.OpenMessage(ctx, id, mailstore.OpenReadWrite)
	if err != nil {
		return mailstore.Flags{}, err
	}
	props, err := msg.Props(ctx)
	if err != nil {
		return mailstore.Flags{}, err
	}
	current := mailstore.PropsToFlags(props, false)

	var next mailstore.Flags
	switch op.Mode {
	case StoreReplace:
		next = op.Flags
	case StoreAdd:
		next = orFlags(current, op.Flags)
	case StoreRemove:
		next = andNotFlags(current, op.Flags)
	}

	props = mailstore.FlagsToProps(props, next)
	if err := msg.SetProps(ctx, props); err != nil {
		return mailstore.Flags{}, err
	}
	if err := msg.SaveChanges(ctx); err != nil {
		return mailstore.Flags{}, err
	}
	return mailstore.PropsToFlags(props, current.Recent), nil
}

func orFlags(a, b mailstore.Flags) mailstore.Flags {
	return mailstore.Flags{
		Seen: a.Seen || b.Seen, Flagged: a.Flagged || b.Flagged,
		Answered: a.Answered || b.Answered, Forwarded: a.Forwarded || b.Forwarded,
		Draft: a.Draft || b.Draft, Deleted: a.Deleted || b.Deleted, Recent: a.Recent,
	}
}

func andNotFlags(a, b mailstore.Flags) mailstore.Flags {
	return mailstore.Flags{
		Seen: a.Seen && !b.Seen, Flagged: a.Flagged && !b.Flagged,
		Answered: a.Answered && !b.Answered, Forwarded: a.Forwarded && !b.Forwarded,
		Draft: a.Draft && !b.Draft, Deleted: a.Deleted && !b.Deleted, Recent: a.Recent,
	}
}

// CopyMove implements COPY/XAOL-MOVE: copy (or move) the listed
// entries into dst. Per spec §9, XAOL-MOVE never returns an APPENDUID
// code even though the underlying CopyMessages call is the same as COPY's.
func CopyMove(ctx context.Context, src, dst mailstore.Folder, ids []mailstore.EntryID, move bool) ([]mailstore.ContentsRow, error) {
	return src.CopyMessages(ctx, dst, ids, move)
}

// Expunge implements plain EXPUNGE / UID EXPUNGE <set>: deletes every
// message flagged \Deleted (optionally restricted to a UID set),
// clearing the flag first so a racing notification cannot resurrect it.
func Expunge(ctx context.Context, folder mailstore.Folder, view *MailboxView, uidRestrict *SeqSet) ([]mailstore.EntryID, error) {
	rows, err := folder.ContentsTable(ctx)
	if err != nil {
		return nil, err
	}
	var toDelete []mailstore.EntryID
	for _, row := range rows {
		if row.Props.MsgStatus&mailstore.MsgStatusDelmarked == 0 {
			continue
		}
		if uidRestrict != nil && !uidRestrict.Contains(row.UID) {
			continue
		}
		msg, err := folder.OpenMessage(ctx, row.EntryID, mailstore.OpenReadWrite)
		if err != nil {
			return nil, err
		}
		props, err := msg.Props(ctx)
		if err != nil {
			return nil, err
		}
		props.MsgStatus &^= mailstore.MsgStatusDelmarked
		if err := msg.SetProps(ctx, props); err != nil {
			return nil, err
		}
		if err := msg.SaveChanges(ctx); err != nil {
			return nil, err
		}
		toDelete = append(toDelete, row.EntryID)
	}
	if len(toDelete) == 0 {
		return nil, nil
	}
	if err := folder.DeleteMessages(ctx, toDelete); err != nil {
		return nil, err
	}
	return toDelete, nil
}

// ParseStoreArgs parses the STORE command's second and third arguments
// ("+FLAGS.SILENT", "(\Seen \Flagged)") into a StoreOp.
func ParseStoreArgs(verb, flagList string) (StoreOp, error) {
	op := StoreOp{}
	v := verb
	switch {
	case strings.HasPrefix(v, "+"):
		op.Mode = StoreAdd
		v = v[1:]
	case strings.HasPrefix(v, "-"):
		op.Mode = StoreRemove
		v = v[1:]
	default:
		op.Mode = StoreReplace
	}
	v = strings.ToUpper(v)
	if strings.HasSuffix(v, ".SILENT") {
		op.Silent = true
		v = strings.TrimSuffix(v, ".SILENT")
	}
	if v != "FLAGS" {
		return StoreOp{}, fmt.Errorf("imap: unsupported STORE data item %q", verb)
	}
	names := strings.Fields(StripGroup(flagList))
	for _, n := range names {
		switch strings.ToLower(n) {
		case `\seen`:
			op.Flags.Seen = true
		case `\flagged`:
			op.Flags.Flagged = true
		case `\answered`:
			op.Flags.Answered = true
		case `\draft`:
			op.Flags.Draft = true
		case `\deleted`:
			op.Flags.Deleted = true
		case `$forwarded`:
			op.Flags.Forwarded = true
		}
	}
	return op, nil
}

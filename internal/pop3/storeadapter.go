package pop3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/infodancer/msgstore"

	"github.com/infodancer/mailgw/internal/mailstore"
)

// MailstoreAdapter implements msgstore.MessageStore on top of a shared
// mailstore.Authenticator, so POP3 sessions read and write the same
// per-user INBOX tree the IMAP side uses. The mailbox argument of every
// method is the authenticated POP3 username, matching the convention
// InitializeMailbox already uses when it calls store.List(ctx, s.mailbox).
//
// A message's msgstore UID is its mailstore UID formatted as a decimal
// string; Retrieve/Delete resolve it back to an EntryID by scanning the
// folder's contents table.
type MailstoreAdapter struct {
	authn mailstore.Authenticator

	mu     sync.Mutex
	stores map[string]mailstore.Store
}

// NewMailstoreAdapter returns an adapter that opens one mailstore.Store
// per mailbox name on first use and reuses it for the life of the process.
func NewMailstoreAdapter(authn mailstore.Authenticator) *MailstoreAdapter {
	return &MailstoreAdapter{authn: authn, stores: make(map[string]mailstore.Store)}
}

func (a *MailstoreAdapter) storeFor(ctx context.Context, mailbox string) (mailstore.Store, error) {
	a.mu.Lock()
	store, ok := a.stores[mailbox]
	a.mu.Unlock()
	if ok {
		return store, nil
	}

	sess, err := a.authn.OpenSession(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("pop3: opening mailstore session for %q: %w", mailbox, err)
	}
	store, err = sess.OpenDefaultStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("pop3: opening default store for %q: %w", mailbox, err)
	}

	a.mu.Lock()
	a.stores[mailbox] = store
	a.mu.Unlock()
	return store, nil
}

func (a *MailstoreAdapter) inbox(ctx context.Context, mailbox string) (mailstore.Folder, error) {
	store, err := a.storeFor(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	return store.Root(ctx)
}

// List returns every message not already soft-deleted this session.
func (a *MailstoreAdapter) List(ctx context.Context, mailbox string) ([]msgstore.MessageInfo, error) {
	folder, err := a.inbox(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	rows, err := folder.ContentsTable(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]msgstore.MessageInfo, 0, len(rows))
	for _, row := range rows {
		if row.Props.MsgStatus&mailstore.MsgStatusDelmarked != 0 {
			continue
		}
		out = append(out, msgstore.MessageInfo{
			UID:  strconv.FormatUint(uint64(row.UID), 10),
			Size: row.Props.Size,
		})
	}
	return out, nil
}

// findEntry resolves a msgstore UID string back to its mailstore EntryID
// by scanning the folder's contents table; POP3 mailboxes are small
// enough that this never needs an index.
func (a *MailstoreAdapter) findEntry(ctx context.Context, mailbox, uid string) (mailstore.Folder, mailstore.EntryID, error) {
	folder, err := a.inbox(ctx, mailbox)
	if err != nil {
		return nil, "", err
	}
	want, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return nil, "", fmt.Errorf("pop3: invalid message uid %q", uid)
	}
	rows, err := folder.ContentsTable(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		if uint64(row.UID) == want {
			return folder, row.EntryID, nil
		}
	}
	return nil, "", fmt.Errorf("pop3: no message with uid %q", uid)
}

func (a *MailstoreAdapter) Retrieve(ctx context.Context, mailbox, uid string) (io.ReadCloser, error) {
	folder, id, err := a.findEntry(ctx, mailbox, uid)
	if err != nil {
		return nil, err
	}
	msg, err := folder.OpenMessage(ctx, id, mailstore.OpenRead)
	if err != nil {
		return nil, err
	}
	return msg.OpenStream(ctx)
}

// RetrieveHeaders serves TOP: the full headers plus bodyLines lines of body.
func (a *MailstoreAdapter) RetrieveHeaders(ctx context.Context, mailbox, uid string, bodyLines int) (io.ReadCloser, error) {
	rc, err := a.Retrieve(ctx, mailbox, uid)
	if err != nil {
		return nil, err
	}
	lines, err := extractTopLines(rc, bodyLines)
	_ = rc.Close()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	return io.NopCloser(&buf), nil
}

// Delete soft-marks a message deleted; it is only actually removed on
// Expunge, matching the teacher's delete-then-expunge POP3 transaction
// semantics on top of a store with no native two-phase delete.
func (a *MailstoreAdapter) Delete(ctx context.Context, mailbox, uid string) error {
	folder, id, err := a.findEntry(ctx, mailbox, uid)
	if err != nil {
		return err
	}
	msg, err := folder.OpenMessage(ctx, id, mailstore.OpenReadWrite)
	if err != nil {
		return err
	}
	props, err := msg.Props(ctx)
	if err != nil {
		return err
	}
	props.MsgStatus |= mailstore.MsgStatusDelmarked
	if err := msg.SetProps(ctx, props); err != nil {
		return err
	}
	return msg.SaveChanges(ctx)
}

// Expunge removes every message marked deleted this session.
func (a *MailstoreAdapter) Expunge(ctx context.Context, mailbox string) error {
	folder, err := a.inbox(ctx, mailbox)
	if err != nil {
		return err
	}
	rows, err := folder.ContentsTable(ctx)
	if err != nil {
		return err
	}
	var doomed []mailstore.EntryID
	for _, row := range rows {
		if row.Props.MsgStatus&mailstore.MsgStatusDelmarked != 0 {
			doomed = append(doomed, row.EntryID)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	return folder.DeleteMessages(ctx, doomed)
}

func (a *MailstoreAdapter) Stat(ctx context.Context, mailbox string) (int, int64, error) {
	msgs, err := a.List(ctx, mailbox)
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, m := range msgs {
		total += m.Size
	}
	return len(msgs), total, nil
}

package pop3

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/infodancer/mailgw/internal/mailstore/memstore"
)

func appendToInbox(t *testing.T, adapter *MailstoreAdapter, mailbox, body string) {
	t.Helper()
	ctx := context.Background()
	folder, err := adapter.inbox(ctx, mailbox)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	msg, err := folder.CreateMessage(ctx)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	w, err := msg.OpenWriteStream(ctx)
	if err != nil {
		t.Fatalf("OpenWriteStream: %v", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := msg.SaveChanges(ctx); err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}
}

func TestMailstoreAdapterListAndStat(t *testing.T) {
	adapter := NewMailstoreAdapter(memstore.NewAuthenticator())
	appendToInbox(t, adapter, "alice", "body one")
	appendToInbox(t, adapter, "alice", "body two longer")

	msgs, err := adapter.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].UID == "" || msgs[0].UID == msgs[1].UID {
		t.Errorf("expected distinct non-empty UIDs, got %q and %q", msgs[0].UID, msgs[1].UID)
	}

	count, total, err := adapter.Stat(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
	wantTotal := int64(len("body one") + len("body two longer"))
	if total != wantTotal {
		t.Errorf("expected total %d, got %d", wantTotal, total)
	}
}

func TestMailstoreAdapterMailboxesAreIsolated(t *testing.T) {
	adapter := NewMailstoreAdapter(memstore.NewAuthenticator())
	appendToInbox(t, adapter, "alice", "alice's message")
	appendToInbox(t, adapter, "bob", "bob's first")
	appendToInbox(t, adapter, "bob", "bob's second")

	aliceMsgs, err := adapter.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List alice: %v", err)
	}
	if len(aliceMsgs) != 1 {
		t.Fatalf("expected alice to have 1 message, got %d", len(aliceMsgs))
	}

	bobMsgs, err := adapter.List(context.Background(), "bob")
	if err != nil {
		t.Fatalf("List bob: %v", err)
	}
	if len(bobMsgs) != 2 {
		t.Fatalf("expected bob to have 2 messages, got %d", len(bobMsgs))
	}
}

func TestMailstoreAdapterRetrieve(t *testing.T) {
	adapter := NewMailstoreAdapter(memstore.NewAuthenticator())
	appendToInbox(t, adapter, "alice", "hello there")

	msgs, err := adapter.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	rc, err := adapter.Retrieve(context.Background(), "alice", msgs[0].UID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello there" {
		t.Errorf("expected %q, got %q", "hello there", string(data))
	}
}

func TestMailstoreAdapterRetrieveUnknownUID(t *testing.T) {
	adapter := NewMailstoreAdapter(memstore.NewAuthenticator())
	appendToInbox(t, adapter, "alice", "hello there")

	if _, err := adapter.Retrieve(context.Background(), "alice", "999"); err == nil {
		t.Error("expected error retrieving unknown uid")
	}
}

func TestMailstoreAdapterDeleteIsSoftUntilExpunge(t *testing.T) {
	adapter := NewMailstoreAdapter(memstore.NewAuthenticator())
	appendToInbox(t, adapter, "alice", "one")
	appendToInbox(t, adapter, "alice", "two")

	msgs, err := adapter.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := adapter.Delete(context.Background(), "alice", msgs[0].UID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	afterDelete, err := adapter.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(afterDelete) != 1 {
		t.Fatalf("expected deleted message hidden from List before Expunge, got %d", len(afterDelete))
	}

	if err := adapter.Expunge(context.Background(), "alice"); err != nil {
		t.Fatalf("Expunge: %v", err)
	}

	folder, err := adapter.inbox(context.Background(), "alice")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	rows, err := folder.ContentsTable(context.Background())
	if err != nil {
		t.Fatalf("ContentsTable: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 message remaining after expunge, got %d", len(rows))
	}
}

func TestMailstoreAdapterExpungeWithNothingMarkedIsNoop(t *testing.T) {
	adapter := NewMailstoreAdapter(memstore.NewAuthenticator())
	appendToInbox(t, adapter, "alice", "one")

	if err := adapter.Expunge(context.Background(), "alice"); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	msgs, err := adapter.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected message to survive no-op expunge, got %d", len(msgs))
	}
}

func TestMailstoreAdapterRetrieveHeaders(t *testing.T) {
	adapter := NewMailstoreAdapter(memstore.NewAuthenticator())
	appendToInbox(t, adapter, "alice",
		"Subject: test\r\n\r\nline one\r\nline two\r\nline three\r\n")

	msgs, err := adapter.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	rc, err := adapter.RetrieveHeaders(context.Background(), "alice", msgs[0].UID, 1)
	if err != nil {
		t.Fatalf("RetrieveHeaders: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "Subject: test") || !strings.Contains(got, "line one") || strings.Contains(got, "line two") {
		t.Errorf("unexpected TOP output: %q", got)
	}
}

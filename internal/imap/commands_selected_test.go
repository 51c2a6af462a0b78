package imap

import (
	"context"
	"strings"
	"testing"

	"github.com/infodancer/mailgw/internal/mailstore/memstore"
)

// newSelectedSession returns a Dispatcher and a Session with INBOX
// selected read-write against a fresh in-memory store.
func newSelectedSession(t *testing.T) (*Dispatcher, *Session) {
	t.Helper()
	store := memstore.New()
	d := &Dispatcher{Hostname: "test"}
	s := NewSession("test", "127.0.0.1:1234", false, true)
	s.State = StateAuth
	s.Store = store

	res := d.cmdSelect(context.Background(), s, "INBOX", false)
	if res.Status != StatusOK {
		t.Fatalf("SELECT INBOX: %+v", res)
	}
	return d, s
}

const testMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: hello world\r\n" +
	"\r\n" +
	"body text\r\n"

func appendMessage(t *testing.T, d *Dispatcher, s *Session, data string) Result {
	t.Helper()
	res := d.cmdAppend(context.Background(), s, []string{"INBOX", data})
	if res.Status != StatusOK {
		t.Fatalf("APPEND failed: %+v", res)
	}
	return res
}

func TestAppendThenFetch(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)

	// Selected view doesn't see the new message until refreshed.
	lines, err := s.View.Refresh(context.Background(), false, true)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	_ = lines
	if len(s.View.Messages) != 1 {
		t.Fatalf("expected 1 message after append, got %d", len(s.View.Messages))
	}

	res := d.cmdFetch(context.Background(), s, "1", "(FLAGS UID RFC822.SIZE)", false)
	if res.Status != StatusOK {
		t.Fatalf("FETCH failed: %+v", res)
	}
	if len(res.Untagged) != 1 || !strings.Contains(res.Untagged[0], "FETCH") {
		t.Fatalf("unexpected FETCH response: %+v", res.Untagged)
	}
	if !strings.Contains(res.Untagged[0], "UID 1") {
		t.Errorf("expected UID 1 in FETCH response, got %q", res.Untagged[0])
	}
}

func TestFetchBodyMarksSeen(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)
	if _, err := s.View.Refresh(context.Background(), false, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	res := d.cmdFetch(context.Background(), s, "1", "(BODY[TEXT])", false)
	if res.Status != StatusOK {
		t.Fatalf("FETCH failed: %+v", res)
	}

	res = d.cmdFetch(context.Background(), s, "1", "(FLAGS)", false)
	if res.Status != StatusOK || len(res.Untagged) != 1 {
		t.Fatalf("second FETCH failed: %+v", res)
	}
	if !strings.Contains(res.Untagged[0], `\Seen`) {
		t.Errorf("expected \\Seen after BODY[TEXT] fetch, got %q", res.Untagged[0])
	}
}

func TestFetchPeekDoesNotMarkSeen(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)
	if _, err := s.View.Refresh(context.Background(), false, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if res := d.cmdFetch(context.Background(), s, "1", "(BODY.PEEK[TEXT])", false); res.Status != StatusOK {
		t.Fatalf("FETCH failed: %+v", res)
	}
	res := d.cmdFetch(context.Background(), s, "1", "(FLAGS)", false)
	if strings.Contains(res.Untagged[0], `\Seen`) {
		t.Errorf("BODY.PEEK[TEXT] must not mark \\Seen, got %q", res.Untagged[0])
	}
}

func TestStoreAddFlag(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)
	if _, err := s.View.Refresh(context.Background(), false, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	res := d.cmdStore(context.Background(), s, "1", "+FLAGS", `(\Flagged)`, false)
	if res.Status != StatusOK {
		t.Fatalf("STORE failed: %+v", res)
	}
	if !strings.Contains(res.Untagged[0], `\Flagged`) {
		t.Errorf("expected \\Flagged in STORE response, got %q", res.Untagged[0])
	}
	if !s.View.Messages[0].Flags.Flagged {
		t.Error("view's cached flags were not updated")
	}
}

func TestStoreSilentSuppressesResponse(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)
	if _, err := s.View.Refresh(context.Background(), false, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	res := d.cmdStore(context.Background(), s, "1", "+FLAGS.SILENT", `(\Seen)`, false)
	if res.Status != StatusOK {
		t.Fatalf("STORE failed: %+v", res)
	}
	if len(res.Untagged) != 0 {
		t.Errorf("expected no untagged lines for FLAGS.SILENT, got %+v", res.Untagged)
	}
}

func TestSearchBySubject(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)
	if _, err := s.View.Refresh(context.Background(), false, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	res := d.cmdSearch(context.Background(), s, []string{"SUBJECT", "hello"}, false)
	if res.Status != StatusOK {
		t.Fatalf("SEARCH failed: %+v", res)
	}
	if res.Untagged[0] != "SEARCH 1" {
		t.Errorf("expected SEARCH 1, got %q", res.Untagged[0])
	}

	res = d.cmdSearch(context.Background(), s, []string{"SUBJECT", "nope"}, false)
	if res.Untagged[0] != "SEARCH " {
		t.Errorf("expected empty SEARCH result, got %q", res.Untagged[0])
	}
}

func TestExpungeDeletesFlaggedMessages(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)
	if _, err := s.View.Refresh(context.Background(), false, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if res := d.cmdStore(context.Background(), s, "1", "+FLAGS", `(\Deleted)`, false); res.Status != StatusOK {
		t.Fatalf("STORE \\Deleted failed: %+v", res)
	}

	res := d.cmdExpunge(context.Background(), s, nil, false)
	if res.Status != StatusOK {
		t.Fatalf("EXPUNGE failed: %+v", res)
	}
	foundExpunge := false
	for _, u := range res.Untagged {
		if u == "1 EXPUNGE" {
			foundExpunge = true
		}
	}
	if !foundExpunge {
		t.Errorf("expected '1 EXPUNGE' in response, got %+v", res.Untagged)
	}
	if len(s.View.Messages) != 0 {
		t.Errorf("expected view to have 0 messages after expunge, got %d", len(s.View.Messages))
	}
}

func TestCopyToAnotherFolder(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)
	if _, err := s.View.Refresh(context.Background(), false, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if res := d.cmdCreate(context.Background(), s, "Archive"); res.Status != StatusOK {
		t.Fatalf("CREATE Archive failed: %+v", res)
	}

	res := d.cmdCopyMove(context.Background(), s, "1", "Archive", false, false)
	if res.Status != StatusOK {
		t.Fatalf("COPY failed: %+v", res)
	}
	if !strings.Contains(res.Code, "COPYUID") {
		t.Errorf("expected COPYUID response code, got %q", res.Code)
	}
	if len(s.View.Messages) != 1 {
		t.Errorf("COPY must not remove the source message, got %d messages", len(s.View.Messages))
	}

	dst, err := s.Store.ResolveFolder(context.Background(), []string{"Archive"})
	if err != nil {
		t.Fatalf("ResolveFolder Archive: %v", err)
	}
	rows, err := dst.ContentsTable(context.Background())
	if err != nil {
		t.Fatalf("ContentsTable: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 message copied into Archive, got %d", len(rows))
	}
}

func TestXAOLMoveExpungesSource(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)
	if _, err := s.View.Refresh(context.Background(), false, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res := d.cmdCreate(context.Background(), s, "Archive"); res.Status != StatusOK {
		t.Fatalf("CREATE Archive failed: %+v", res)
	}

	res := d.cmdCopyMove(context.Background(), s, "1", "Archive", false, true)
	if res.Status != StatusOK {
		t.Fatalf("XAOL-MOVE failed: %+v", res)
	}
	if strings.Contains(res.Code, "APPENDUID") || strings.Contains(res.Code, "COPYUID") {
		t.Errorf("XAOL-MOVE must not carry a UIDPLUS response code, got %q", res.Code)
	}
	if len(s.View.Messages) != 0 {
		t.Errorf("expected source view empty after move, got %d messages", len(s.View.Messages))
	}
}

func TestCloseExpungesAndDeselects(t *testing.T) {
	d, s := newSelectedSession(t)
	appendMessage(t, d, s, testMessage)
	if _, err := s.View.Refresh(context.Background(), false, true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res := d.cmdStore(context.Background(), s, "1", "+FLAGS", `(\Deleted)`, false); res.Status != StatusOK {
		t.Fatalf("STORE \\Deleted failed: %+v", res)
	}

	res := d.cmdClose(context.Background(), s)
	if res.Status != StatusOK {
		t.Fatalf("CLOSE failed: %+v", res)
	}
	if s.View != nil {
		t.Error("expected View to be nil after CLOSE")
	}
	if s.State != StateAuth {
		t.Errorf("expected state AUTH after CLOSE, got %s", s.State)
	}
}

func TestParseFetchItemsSectionAndPeek(t *testing.T) {
	items, err := parseFetchItems("(BODY.PEEK[HEADER.FIELDS (To From)] UID)")
	if err != nil {
		t.Fatalf("parseFetchItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d: %+v", len(items), items)
	}
	if items[0].Name != "BODY" || items[0].Section != "HEADER.FIELDS (To From)" || !items[0].Peek {
		t.Errorf("unexpected first item: %+v", items[0])
	}
	if items[1].Name != "UID" {
		t.Errorf("unexpected second item: %+v", items[1])
	}
}

func TestParseFetchItemsExpandsMacro(t *testing.T) {
	items, err := parseFetchItems("FAST")
	if err != nil {
		t.Fatalf("parseFetchItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected FAST to expand to 3 items, got %d", len(items))
	}
}

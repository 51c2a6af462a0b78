// Package memstore is an in-memory mailstore.Store used by tests and
// by deployments with no persistent backend configured. It mirrors the
// folder/message shape maildirstore exposes so IMAP session code never
// needs to know which is in use.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/infodancer/mailgw/internal/mailerr"
	"github.com/infodancer/mailgw/internal/mailstore"
)

type Store struct {
	mu        sync.Mutex
	nextID    int64
	root      *folder
	subs      map[string]bool // folder path -> subscribed
	listeners map[int]chan<- mailstore.Event
	nextSub   int
}

// New returns an empty store containing only INBOX.
func New() *Store {
	s := &Store{subs: make(map[string]bool), listeners: make(map[int]chan<- mailstore.Event)}
	s.nextID = 1
	s.root = &folder{store: s, id: s.allocID(), name: "", displayName: "INBOX", uidValidity: uint32(time.Now().Unix()), nextUID: 1, class: "IPF.Note"}
	return s
}

func (s *Store) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *Store) Close() error { return nil }

func (s *Store) Root(ctx context.Context) (mailstore.Folder, error) { return s.root, nil }

func (s *Store) ResolveFolder(ctx context.Context, path []string) (mailstore.Folder, error) {
	f := s.root
	for _, comp := range path {
		if comp == "" {
			continue
		}
		var next *folder
		for _, c := range f.children {
			if c.name == comp {
				next = c
				break
			}
		}
		if next == nil {
			return nil, mailerr.New("ResolveFolder", mailerr.KindNotFound, fmt.Errorf("no such folder %q", comp))
		}
		f = next
	}
	return f, nil
}

func (s *Store) CreateFolder(ctx context.Context, parent mailstore.Folder, name string) (mailstore.Folder, error) {
	p, ok := parent.(*folder)
	if !ok {
		return nil, mailerr.New("CreateFolder", mailerr.KindNotSupported, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range p.children {
		if c.name == name {
			return nil, mailerr.New("CreateFolder", mailerr.KindAlreadyExists, nil)
		}
	}
	child := &folder{store: s, id: s.allocID(), name: name, displayName: name, parent: p,
		uidValidity: uint32(time.Now().Unix()), nextUID: 1, class: "IPF.Note"}
	p.children = append(p.children, child)
	return child, nil
}

func (s *Store) DeleteFolder(ctx context.Context, parent mailstore.Folder, child mailstore.Folder) error {
	p, ok := parent.(*folder)
	c, ok2 := child.(*folder)
	if !ok || !ok2 {
		return mailerr.New("DeleteFolder", mailerr.KindNotSupported, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(c.children) > 0 {
		return mailerr.New("DeleteFolder", mailerr.KindPermission, fmt.Errorf("folder has children"))
	}
	for i, ch := range p.children {
		if ch == c {
			p.children = append(p.children[:i], p.children[i+1:]...)
			return nil
		}
	}
	return mailerr.New("DeleteFolder", mailerr.KindNotFound, nil)
}

func (s *Store) RenameFolder(ctx context.Context, fld mailstore.Folder, newParent mailstore.Folder, newName string) error {
	f, ok := fld.(*folder)
	np, ok2 := newParent.(*folder)
	if !ok || !ok2 {
		return mailerr.New("RenameFolder", mailerr.KindNotSupported, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range np.children {
		if c.name == newName {
			return mailerr.New("RenameFolder", mailerr.KindAlreadyExists, nil)
		}
	}
	if f.parent != nil {
		for i, ch := range f.parent.children {
			if ch == f {
				f.parent.children = append(f.parent.children[:i], f.parent.children[i+1:]...)
				break
			}
		}
	}
	f.parent = np
	f.name = newName
	f.displayName = newName
	np.children = append(np.children, f)
	return nil
}

func (s *Store) Subscriptions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for path, on := range s.subs {
		if on {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SetSubscribed(ctx context.Context, path []string, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := joinPath(path)
	s.subs[key] = subscribed
	return nil
}

func joinPath(path []string) string {
	out := ""
	for i, c := range path {
		if i > 0 {
			out += "/"
		}
		out += c
	}
	return out
}

type folder struct {
	store       *Store
	id          int64
	name        string
	displayName string
	parent      *folder
	children    []*folder
	messages    []*message
	uidValidity uint32
	nextUID     uint32
	maxSeenUID  uint32
	class       string
}

func (f *folder) EntryID() mailstore.EntryID { return mailstore.EntryID(fmt.Sprintf("%d", f.id)) }
func (f *folder) Name() string               { return f.name }

func (f *folder) Props(ctx context.Context) (mailstore.FolderProps, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	unseen := 0
	for _, m := range f.messages {
		if m.props.MsgFlags&mailstore.MsgFlagRead == 0 {
			unseen++
		}
	}
	return mailstore.FolderProps{
		Name: f.name, UIDValidity: f.uidValidity, NextUID: f.nextUID, MaxSeenUID: f.maxSeenUID,
		MessageCount: len(f.messages), UnseenCount: unseen, DisplayName: f.displayName,
		ContainerClass: f.class, HasChildren: len(f.children) > 0, HasNoChildren: len(f.children) == 0,
		Subscribed: f.store.subs[joinPath(f.pathComponents())],
	}, nil
}

// SetMaxSeenUID advances the folder's persisted \Recent watermark.
func (f *folder) SetMaxSeenUID(ctx context.Context, uid uint32) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if uid > f.maxSeenUID {
		f.maxSeenUID = uid
	}
	return nil
}

func (f *folder) pathComponents() []string {
	if f.parent == nil {
		return nil
	}
	return append(f.parent.pathComponents(), f.name)
}

func (f *folder) SetDisplayName(ctx context.Context, name string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.displayName = name
	return nil
}

func (f *folder) ContentsTable(ctx context.Context) ([]mailstore.ContentsRow, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	out := make([]mailstore.ContentsRow, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, mailstore.ContentsRow{EntryID: m.EntryID(), UID: m.uid, Props: m.props})
	}
	return out, nil
}

func (f *folder) HierarchyTable(ctx context.Context) ([]mailstore.HierarchyRow, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	out := make([]mailstore.HierarchyRow, 0, len(f.children))
	for _, c := range f.children {
		out = append(out, mailstore.HierarchyRow{EntryID: c.EntryID(), Name: c.name, DisplayName: c.displayName, HasChildren: len(c.children) > 0})
	}
	return out, nil
}

func (f *folder) findByID(id mailstore.EntryID) *message {
	for _, m := range f.messages {
		if m.EntryID() == id {
			return m
		}
	}
	return nil
}

func (f *folder) OpenMessage(ctx context.Context, id mailstore.EntryID, mode mailstore.OpenMode) (mailstore.Message, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	m := f.findByID(id)
	if m == nil {
		return nil, mailerr.New("OpenMessage", mailerr.KindNotFound, nil)
	}
	return &handle{folder: f, msg: m, readOnly: mode == mailstore.OpenRead}, nil
}

func (f *folder) CreateMessage(ctx context.Context) (mailstore.Message, error) {
	return &handle{folder: f, msg: &message{}, isNew: true}, nil
}

func (f *folder) CopyMessages(ctx context.Context, dst mailstore.Folder, ids []mailstore.EntryID, move bool) ([]mailstore.ContentsRow, error) {
	d, ok := dst.(*folder)
	if !ok {
		return nil, mailerr.New("CopyMessages", mailerr.KindNotSupported, nil)
	}
	f.store.mu.Lock()
	var out []mailstore.ContentsRow
	for _, id := range ids {
		src := f.findByID(id)
		if src == nil {
			f.store.mu.Unlock()
			return out, mailerr.New("CopyMessages", mailerr.KindNotFound, nil)
		}
		cp := &message{body: append([]byte(nil), src.body...), props: src.props}
		cp.props.InternalDate = time.Now()
		cp.id = d.store.allocID()
		cp.uid = d.nextUID
		d.nextUID++
		d.messages = append(d.messages, cp)
		out = append(out, mailstore.ContentsRow{EntryID: cp.EntryID(), UID: cp.uid, Props: cp.props})
	}
	f.store.mu.Unlock()
	if move {
		if err := f.DeleteMessages(ctx, ids); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (f *folder) DeleteMessages(ctx context.Context, ids []mailstore.EntryID) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	idSet := make(map[mailstore.EntryID]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	kept := f.messages[:0]
	for _, m := range f.messages {
		if idSet[m.EntryID()] {
			continue
		}
		kept = append(kept, m)
	}
	f.messages = kept
	return nil
}

func (f *folder) SubscribeNotify(sink chan<- mailstore.Event) (int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.nextSub++
	cookie := f.store.nextSub
	f.store.listeners[cookie] = sink
	return cookie, nil
}

func (f *folder) Unsubscribe(cookie int) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	delete(f.store.listeners, cookie)
	return nil
}

type message struct {
	id    int64
	uid   uint32
	body  []byte
	props mailstore.MessageProps
}

func (m *message) EntryID() mailstore.EntryID { return mailstore.EntryID(fmt.Sprintf("%d", m.id)) }

type handle struct {
	folder   *folder
	msg      *message
	readOnly bool
	isNew    bool
	buf      bytes.Buffer
}

func (h *handle) EntryID() mailstore.EntryID { return h.msg.EntryID() }

func (h *handle) Props(ctx context.Context) (mailstore.MessageProps, error) { return h.msg.props, nil }

func (h *handle) SetProps(ctx context.Context, p mailstore.MessageProps) error {
	if h.readOnly {
		return mailerr.New("SetProps", mailerr.KindReadOnly, nil)
	}
	h.msg.props = p
	return nil
}

func (h *handle) SaveChanges(ctx context.Context) error {
	if h.readOnly {
		return mailerr.New("SaveChanges", mailerr.KindReadOnly, nil)
	}
	if h.isNew {
		h.folder.store.mu.Lock()
		h.msg.body = h.buf.Bytes()
		h.msg.props.Size = int64(len(h.msg.body))
		if h.msg.props.InternalDate.IsZero() {
			h.msg.props.InternalDate = time.Now()
		}
		h.msg.id = h.folder.store.allocID()
		h.msg.uid = h.folder.nextUID
		h.folder.nextUID++
		h.folder.messages = append(h.folder.messages, h.msg)
		h.isNew = false
		count := len(h.folder.messages)
		h.folder.store.mu.Unlock()
		h.folder.store.publish(mailstore.Event{Kind: mailstore.EventExists, NewCount: count})
		return nil
	}
	h.folder.store.publish(mailstore.Event{Kind: mailstore.EventFlagsChanged, EntryID: h.msg.EntryID(), UID: h.msg.uid})
	return nil
}

func (h *handle) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(h.msg.body)), nil
}

func (h *handle) OpenWriteStream(ctx context.Context) (io.WriteCloser, error) {
	if h.readOnly {
		return nil, mailerr.New("OpenWriteStream", mailerr.KindReadOnly, nil)
	}
	return nopWriteCloser{&h.buf}, nil
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

func (s *Store) publish(ev mailstore.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.listeners {
		select {
		case sink <- ev:
		default:
		}
	}
}

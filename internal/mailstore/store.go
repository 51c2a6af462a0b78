// Package mailstore defines the storage abstraction IMAP sessions are
// built on: folders, messages, property bags, and change notification.
// It generalizes the message-store interfaces the POP3 side already
// consumes (github.com/infodancer/msgstore) to the richer operations
// IMAP needs: hierarchical folders, per-message property mutation,
// copy/move, and subscription-based push notification for IDLE.
package mailstore

import (
	"context"
	"io"
	"time"
)

// EntryID opaquely identifies a folder or message within a store. It is
// stable for the lifetime of the object (renames and moves do not
// change it) and is never interpreted by callers.
type EntryID string

// Verb records which reply/forward action was last taken on a message,
// used to derive \Answered and $Forwarded when no explicit status bit
// is present.
type Verb int

const (
	VerbNone Verb = iota
	VerbReplyToSender
	VerbReplyToAll
	VerbForward
)

// Message property bitmasks. These mirror the bitfields a typical
// store keeps alongside each message and are the sole input to
// PropsToFlags.
const (
	MsgFlagRead uint32 = 1 << iota
)

const (
	MsgStatusAnswered uint32 = 1 << iota
	MsgStatusDraft
	MsgStatusDelmarked
	MsgStatusUnsent
)

// MessageProps is the subset of stored message metadata needed to
// derive IMAP flags. Backends translate their native metadata into
// this shape; PropsToFlags never touches backend-specific storage.
type MessageProps struct {
	MsgFlags   uint32
	FlagStatus uint32
	MsgStatus  uint32
	LastVerb   Verb
	Size       int64
	InternalDate time.Time
}

// Flags is the IMAP-visible flag set for one message.
type Flags struct {
	Seen      bool
	Flagged   bool
	Answered  bool
	Forwarded bool
	Draft     bool
	Deleted   bool
	Recent    bool // session-local; never persisted
}

// PropsToFlags derives the IMAP flag set for a message from its stored
// properties and the caller-tracked \Recent state (recent is true iff
// this session's mailbox view assigned the message to the current
// UIDVALIDITY epoch's "just arrived" set; it is never read back from
// the store).
func PropsToFlags(p MessageProps, recent bool) Flags {
	f := Flags{
		Seen:    p.MsgFlags&MsgFlagRead != 0,
		Flagged: p.FlagStatus != 0,
		Draft:   p.MsgStatus&MsgStatusDraft != 0,
		Deleted: p.MsgStatus&MsgStatusDelmarked != 0,
		Recent:  recent,
	}
	switch p.LastVerb {
	case VerbReplyToSender, VerbReplyToAll:
		f.Answered = true
	case VerbForward:
		f.Forwarded = true
	case VerbNone:
		f.Answered = p.MsgStatus&MsgStatusAnswered != 0
	}
	return f
}

// FlagsToProps applies a client-requested flag set back onto props,
// used by STORE. Flags absent from the IMAP model (Recent) are
// ignored; LastVerb is left untouched since plain flag mutation does
// not imply a reply/forward action.
func FlagsToProps(p MessageProps, f Flags) MessageProps {
	if f.Seen {
		p.MsgFlags |= MsgFlagRead
	} else {
		p.MsgFlags &^= MsgFlagRead
	}
	if f.Flagged {
		p.FlagStatus = 1
	} else {
		p.FlagStatus = 0
	}
	setBit := func(bit uint32, on bool) {
		if on {
			p.MsgStatus |= bit
		} else {
			p.MsgStatus &^= bit
		}
	}
	setBit(MsgStatusDraft, f.Draft)
	setBit(MsgStatusDelmarked, f.Deleted)
	if f.Answered {
		p.MsgStatus |= MsgStatusAnswered
	} else {
		p.MsgStatus &^= MsgStatusAnswered
	}
	return p
}

// FolderProps describes the subset of folder metadata a mailbox view
// needs to answer SELECT/EXAMINE/STATUS without walking the contents
// table.
type FolderProps struct {
	Name            string
	UIDValidity     uint32
	NextUID         uint32
	// MaxSeenUID is the high-water UID some session has already been
	// shown for this folder, persisted across sessions. A message's
	// UID greater than this value is \Recent; SetMaxSeenUID advances it.
	MaxSeenUID      uint32
	MessageCount    int
	UnseenCount     int
	DisplayName     string
	ContainerClass  string // e.g. "IPF.Note"; used for \NoSelect detection
	HasChildren     bool
	HasNoChildren   bool
	Subscribed      bool
}

// ContentsRow is one entry in a folder's contents table: a message's
// identity, ordering, and the properties flags are derived from.
type ContentsRow struct {
	EntryID EntryID
	UID     uint32
	Props   MessageProps
}

// HierarchyRow is one entry in a folder's hierarchy (child folder) table.
type HierarchyRow struct {
	EntryID     EntryID
	Name        string
	DisplayName string
	HasChildren bool
}

// Event is a change notification delivered to subscribers registered
// via Folder.SubscribeNotify. IMAP's IDLE command relays these to the
// client as untagged EXISTS/EXPUNGE/FETCH responses.
type Event struct {
	Kind      EventKind
	EntryID   EntryID // affected message, if any
	UID       uint32
	NewCount  int // folder message count after the change, for EventExists
}

type EventKind int

const (
	EventExists EventKind = iota
	EventExpunge
	EventFlagsChanged
)

// OpenMode selects read/write intent when opening a message stream.
type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenReadWrite
)

// Message is a single stored message's property bag and content stream.
type Message interface {
	EntryID() EntryID
	Props(ctx context.Context) (MessageProps, error)
	SetProps(ctx context.Context, p MessageProps) error
	SaveChanges(ctx context.Context) error
	// OpenStream returns the message's raw RFC 5322 content. Callers
	// that only need headers should still read the full stream; the
	// mimecodec package handles partial materialization on top of it.
	OpenStream(ctx context.Context) (io.ReadCloser, error)
	// OpenWriteStream is used by APPEND/SAVE to write the new message
	// body; callers must call Close then SaveChanges.
	OpenWriteStream(ctx context.Context) (io.WriteCloser, error)
}

// Folder is a single mailbox (maps 1:1 to an IMAP mailbox name).
type Folder interface {
	EntryID() EntryID
	Name() string
	Props(ctx context.Context) (FolderProps, error)
	SetDisplayName(ctx context.Context, name string) error

	ContentsTable(ctx context.Context) ([]ContentsRow, error)
	HierarchyTable(ctx context.Context) ([]HierarchyRow, error)

	// SetMaxSeenUID advances the folder's persisted \Recent watermark
	// (FolderProps.MaxSeenUID) to uid. Callers must never move it
	// backwards; implementations may silently ignore a smaller uid.
	SetMaxSeenUID(ctx context.Context, uid uint32) error

	OpenMessage(ctx context.Context, id EntryID, mode OpenMode) (Message, error)
	CreateMessage(ctx context.Context) (Message, error)

	// CopyMessages copies (or, if move is true, moves) the given
	// messages into dst, returning the new EntryIDs/UIDs in dst in the
	// same order as ids.
	CopyMessages(ctx context.Context, dst Folder, ids []EntryID, move bool) ([]ContentsRow, error)
	// DeleteMessages permanently removes messages (used by EXPUNGE).
	DeleteMessages(ctx context.Context, ids []EntryID) error

	// SubscribeNotify registers sink to receive Events for this folder
	// until Unsubscribe is called with the returned cookie.
	SubscribeNotify(sink chan<- Event) (cookie int, err error)
	Unsubscribe(cookie int) error
}

// Store is a single user's mailbox tree (the "default store"; a
// shared/public store, when configured, is a second Store rooted
// elsewhere).
type Store interface {
	Root(ctx context.Context) (Folder, error)
	// ResolveFolder walks path (hierarchy components, already split on
	// the '/' delimiter) from Root and returns the named folder.
	ResolveFolder(ctx context.Context, path []string) (Folder, error)
	CreateFolder(ctx context.Context, parent Folder, name string) (Folder, error)
	DeleteFolder(ctx context.Context, parent Folder, child Folder) error
	RenameFolder(ctx context.Context, folder Folder, newParent Folder, newName string) error
	Subscriptions(ctx context.Context) ([]string, error)
	SetSubscribed(ctx context.Context, path []string, subscribed bool) error
	Close() error
}

// Session is the result of a successful Authenticate call: a handle on
// the authenticated user's stores and feature flags.
type Session interface {
	OpenDefaultStore(ctx context.Context) (Store, error)
	// OpenPublicStore returns the shared/public folder tree, or
	// (nil, mailerr with KindNotSupported) if no public store is configured.
	OpenPublicStore(ctx context.Context) (Store, error)
	UserHasFeature(ctx context.Context, feature string) (bool, error)
	Quota(ctx context.Context) (used, limit int64, err error)
	Close() error
}

// Authenticator opens a Session for a user given credentials already
// validated by the auth package; mailstore.Authenticator only maps the
// authenticated identity onto storage, it never checks passwords.
type Authenticator interface {
	OpenSession(ctx context.Context, user string) (Session, error)
}

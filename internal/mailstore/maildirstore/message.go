package maildirstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/infodancer/mailgw/internal/mailerr"
	"github.com/infodancer/mailgw/internal/mailstore"
)

type message struct {
	folder   *folder
	id       int64
	uid      uint32
	key      string
	props    mailstore.MessageProps
	readOnly bool
	isNew    bool

	pendingPath string // tmp path written by OpenWriteStream, not yet committed
}

func (m *message) EntryID() mailstore.EntryID { return mailstore.EntryID(fmt.Sprintf("%d", m.id)) }

func (m *message) Props(ctx context.Context) (mailstore.MessageProps, error) {
	return m.props, nil
}

func (m *message) SetProps(ctx context.Context, p mailstore.MessageProps) error {
	if m.readOnly {
		return mailerr.New("SetProps", mailerr.KindReadOnly, nil)
	}
	m.props = p
	return nil
}

// SaveChanges persists in-memory property changes to the database and,
// for a newly-created message, commits its written body from tmp/ into
// cur/ or new/ (maildir convention: \Seen messages land in cur, others
// in new) and assigns it the folder's next UID.
func (m *message) SaveChanges(ctx context.Context) error {
	if m.readOnly {
		return mailerr.New("SaveChanges", mailerr.KindReadOnly, nil)
	}
	db := m.folder.store.db

	if m.isNew {
		if m.pendingPath == "" {
			return mailerr.New("SaveChanges", mailerr.KindInvalidArgument, fmt.Errorf("message body never written"))
		}
		fi, err := os.Stat(m.pendingPath)
		if err != nil {
			return mailerr.New("SaveChanges", mailerr.KindUnavailable, err)
		}
		m.props.Size = fi.Size()
		if m.props.InternalDate.IsZero() {
			m.props.InternalDate = time.Now()
		}

		var uid uint32
		err = db.QueryRowContext(ctx, `SELECT nextuid FROM folders WHERE id = ?`, m.folder.id).Scan(&uid)
		if err != nil {
			return mailerr.New("SaveChanges", mailerr.KindUnavailable, err)
		}
		destDir := "new"
		if m.props.MsgFlags&mailstore.MsgFlagRead != 0 {
			destDir = "cur"
		}
		destPath := filepath.Join(m.folder.store.dirFor(m.folder.id), destDir, m.key)
		if err := os.Rename(m.pendingPath, destPath); err != nil {
			return mailerr.New("SaveChanges", mailerr.KindUnavailable, err)
		}

		res, err := db.ExecContext(ctx,
			`INSERT INTO messages (folder_id, uid, maildir_key, size, internal_date, msg_flags, flag_status, msg_status, last_verb)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.folder.id, uid, m.key, m.props.Size, m.props.InternalDate.Unix(),
			m.props.MsgFlags, m.props.FlagStatus, m.props.MsgStatus, int(m.props.LastVerb))
		if err != nil {
			os.Remove(destPath)
			return mailerr.New("SaveChanges", mailerr.KindUnavailable, err)
		}
		newID, _ := res.LastInsertId()
		m.id = newID
		m.uid = uid
		m.isNew = false

		if _, err := db.ExecContext(ctx, `UPDATE folders SET nextuid = nextuid + 1 WHERE id = ?`, m.folder.id); err != nil {
			return mailerr.New("SaveChanges", mailerr.KindUnavailable, err)
		}
		var count int
		db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE folder_id = ?`, m.folder.id).Scan(&count) //nolint:errcheck
		m.folder.notifyNewMessage(count)
		return nil
	}

	_, err := db.ExecContext(ctx,
		`UPDATE messages SET msg_flags = ?, flag_status = ?, msg_status = ?, last_verb = ? WHERE folder_id = ? AND id = ?`,
		m.props.MsgFlags, m.props.FlagStatus, m.props.MsgStatus, int(m.props.LastVerb), m.folder.id, m.id)
	if err != nil {
		return mailerr.New("SaveChanges", mailerr.KindUnavailable, err)
	}
	if err := m.renameForFlags(ctx); err != nil {
		return err
	}
	m.folder.store.publish(mailstore.Event{Kind: mailstore.EventFlagsChanged, EntryID: m.EntryID(), UID: m.uid})
	return nil
}

// renameForFlags keeps the maildir filename's "S" flag letter (and the
// cur/new placement it implies) in sync with \Seen after STORE.
func (m *message) renameForFlags(ctx context.Context) error {
	base := m.key
	if idx := strings.Index(base, ":2,"); idx >= 0 {
		base = base[:idx]
	}
	letters := ""
	if m.props.MsgFlags&mailstore.MsgFlagRead != 0 {
		letters = "S"
	}
	newKey := base
	if letters != "" {
		newKey = base + ":2," + letters
	}
	dir := m.folder.store.dirFor(m.folder.id)
	var oldPath string
	for _, sub := range []string{"cur", "new"} {
		p := filepath.Join(dir, sub, m.key)
		if _, err := os.Stat(p); err == nil {
			oldPath = p
			break
		}
	}
	if oldPath == "" {
		return nil
	}
	destDir := "new"
	if letters != "" {
		destDir = "cur"
	}
	newPath := filepath.Join(dir, destDir, newKey)
	if oldPath == newPath {
		return nil
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return mailerr.New("renameForFlags", mailerr.KindUnavailable, err)
	}
	if _, err := m.folder.store.db.ExecContext(ctx,
		`UPDATE messages SET maildir_key = ? WHERE folder_id = ? AND id = ?`, newKey, m.folder.id, m.id); err != nil {
		return mailerr.New("renameForFlags", mailerr.KindUnavailable, err)
	}
	m.key = newKey
	return nil
}

func (m *message) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	dir := m.folder.store.dirFor(m.folder.id)
	for _, sub := range []string{"cur", "new"} {
		p := filepath.Join(dir, sub, m.key)
		if f, err := os.Open(p); err == nil {
			return f, nil
		}
	}
	return nil, mailerr.New("OpenStream", mailerr.KindNotFound, fmt.Errorf("message file %q not found", m.key))
}

func (m *message) OpenWriteStream(ctx context.Context) (io.WriteCloser, error) {
	if m.readOnly {
		return nil, mailerr.New("OpenWriteStream", mailerr.KindReadOnly, nil)
	}
	tmpPath := filepath.Join(m.folder.store.dirFor(m.folder.id), "tmp", m.key)
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, mailerr.New("OpenWriteStream", mailerr.KindUnavailable, err)
	}
	m.pendingPath = tmpPath
	return f, nil
}

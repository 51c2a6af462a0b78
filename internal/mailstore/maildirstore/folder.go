package maildirstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	maildir "github.com/emersion/go-maildir"

	"github.com/infodancer/mailgw/internal/mailerr"
	"github.com/infodancer/mailgw/internal/mailstore"
)

type folder struct {
	store       *Store
	id          int64
	name        string
	displayName string
	uidValidity uint32
	nextUID     uint32
	maxSeenUID  uint32
	class       string
	subscribed  bool
}

func (f *folder) EntryID() mailstore.EntryID { return mailstore.EntryID(fmt.Sprintf("%d", f.id)) }
func (f *folder) Name() string               { return f.name }

func (f *folder) dir() maildir.Dir { return maildir.Dir(f.store.dirFor(f.id)) }

func (f *folder) Props(ctx context.Context) (mailstore.FolderProps, error) {
	var total, unseen int
	if err := f.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE folder_id = ?`, f.id).Scan(&total); err != nil {
		return mailstore.FolderProps{}, mailerr.New("Props", mailerr.KindUnavailable, err)
	}
	if err := f.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE folder_id = ? AND (msg_flags & ?) = 0`,
		f.id, mailstore.MsgFlagRead).Scan(&unseen); err != nil {
		return mailstore.FolderProps{}, mailerr.New("Props", mailerr.KindUnavailable, err)
	}
	var childCount int
	if err := f.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM folders WHERE parent_id = ?`, f.id).Scan(&childCount); err != nil {
		return mailstore.FolderProps{}, mailerr.New("Props", mailerr.KindUnavailable, err)
	}
	return mailstore.FolderProps{
		Name:           f.name,
		UIDValidity:    f.uidValidity,
		NextUID:        f.nextUID,
		MaxSeenUID:     f.maxSeenUID,
		MessageCount:   total,
		UnseenCount:    unseen,
		DisplayName:    f.displayName,
		ContainerClass: f.class,
		HasChildren:    childCount > 0,
		HasNoChildren:  childCount == 0,
		Subscribed:     f.subscribed,
	}, nil
}

// SetMaxSeenUID advances the folder's persisted \Recent watermark. The
// UPDATE clamps to the existing value so a stale caller can never move
// it backwards.
func (f *folder) SetMaxSeenUID(ctx context.Context, uid uint32) error {
	_, err := f.store.db.ExecContext(ctx,
		`UPDATE folders SET max_seen_uid = MAX(max_seen_uid, ?) WHERE id = ?`, uid, f.id)
	if err != nil {
		return mailerr.New("SetMaxSeenUID", mailerr.KindUnavailable, err)
	}
	if uid > f.maxSeenUID {
		f.maxSeenUID = uid
	}
	return nil
}

func (f *folder) SetDisplayName(ctx context.Context, name string) error {
	_, err := f.store.db.ExecContext(ctx, `UPDATE folders SET display_name = ? WHERE id = ?`, name, f.id)
	if err != nil {
		return mailerr.New("SetDisplayName", mailerr.KindUnavailable, err)
	}
	f.displayName = name
	return nil
}

func (f *folder) ContentsTable(ctx context.Context) ([]mailstore.ContentsRow, error) {
	rows, err := f.store.db.QueryContext(ctx,
		`SELECT id, uid, size, internal_date, msg_flags, flag_status, msg_status, last_verb
		 FROM messages WHERE folder_id = ? ORDER BY uid`, f.id)
	if err != nil {
		return nil, mailerr.New("ContentsTable", mailerr.KindUnavailable, err)
	}
	defer rows.Close()

	var out []mailstore.ContentsRow
	for rows.Next() {
		var id int64
		var uid uint32
		var size int64
		var internalDate int64
		var msgFlags, flagStatus, msgStatus uint32
		var lastVerb int
		if err := rows.Scan(&id, &uid, &size, &internalDate, &msgFlags, &flagStatus, &msgStatus, &lastVerb); err != nil {
			return nil, err
		}
		out = append(out, mailstore.ContentsRow{
			EntryID: mailstore.EntryID(fmt.Sprintf("%d", id)),
			UID:     uid,
			Props: mailstore.MessageProps{
				MsgFlags:     msgFlags,
				FlagStatus:   flagStatus,
				MsgStatus:    msgStatus,
				LastVerb:     mailstore.Verb(lastVerb),
				Size:         size,
				InternalDate: time.Unix(internalDate, 0),
			},
		})
	}
	return out, rows.Err()
}

func (f *folder) HierarchyTable(ctx context.Context) ([]mailstore.HierarchyRow, error) {
	rows, err := f.store.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.display_name,
		        (SELECT COUNT(*) FROM folders gc WHERE gc.parent_id = c.id) AS childcount
		 FROM folders c WHERE c.parent_id = ? ORDER BY c.name`, f.id)
	if err != nil {
		return nil, mailerr.New("HierarchyTable", mailerr.KindUnavailable, err)
	}
	defer rows.Close()

	var out []mailstore.HierarchyRow
	for rows.Next() {
		var id int64
		var name, display string
		var childCount int
		if err := rows.Scan(&id, &name, &display, &childCount); err != nil {
			return nil, err
		}
		out = append(out, mailstore.HierarchyRow{
			EntryID:     mailstore.EntryID(fmt.Sprintf("%d", id)),
			Name:        name,
			DisplayName: display,
			HasChildren: childCount > 0,
		})
	}
	return out, rows.Err()
}

func (f *folder) OpenMessage(ctx context.Context, id mailstore.EntryID, mode mailstore.OpenMode) (mailstore.Message, error) {
	mid, err := idOf(id)
	if err != nil {
		return nil, err
	}
	var uid uint32
	var key string
	var props mailstore.MessageProps
	var internalDate int64
	var lastVerb int
	err = f.store.db.QueryRowContext(ctx,
		`SELECT uid, maildir_key, size, internal_date, msg_flags, flag_status, msg_status, last_verb
		 FROM messages WHERE folder_id = ? AND id = ?`, f.id, mid).
		Scan(&uid, &key, &props.Size, &internalDate, &props.MsgFlags, &props.FlagStatus, &props.MsgStatus, &lastVerb)
	if err == sql.ErrNoRows {
		return nil, mailerr.New("OpenMessage", mailerr.KindNotFound, err)
	}
	if err != nil {
		return nil, mailerr.New("OpenMessage", mailerr.KindUnavailable, err)
	}
	props.InternalDate = time.Unix(internalDate, 0)
	props.LastVerb = mailstore.Verb(lastVerb)
	return &message{folder: f, id: mid, uid: uid, key: key, props: props, readOnly: mode == mailstore.OpenRead}, nil
}

func (f *folder) CreateMessage(ctx context.Context) (mailstore.Message, error) {
	return &message{folder: f, id: 0, key: generateMaildirKey(), isNew: true}, nil
}

func (f *folder) CopyMessages(ctx context.Context, dst mailstore.Folder, ids []mailstore.EntryID, move bool) ([]mailstore.ContentsRow, error) {
	dstFolder, ok := dst.(*folder)
	if !ok {
		return nil, mailerr.New("CopyMessages", mailerr.KindNotSupported, fmt.Errorf("destination folder is not a maildirstore folder"))
	}
	var out []mailstore.ContentsRow
	for _, id := range ids {
		srcMsg, err := f.OpenMessage(ctx, id, mailstore.OpenRead)
		if err != nil {
			return out, err
		}
		r, err := srcMsg.OpenStream(ctx)
		if err != nil {
			return out, err
		}
		dstMsg, err := dstFolder.CreateMessage(ctx)
		if err != nil {
			r.Close()
			return out, err
		}
		w, err := dstMsg.OpenWriteStream(ctx)
		if err != nil {
			r.Close()
			return out, err
		}
		_, copyErr := io.Copy(w, r)
		r.Close()
		w.Close()
		if copyErr != nil {
			return out, mailerr.New("CopyMessages", mailerr.KindUnavailable, copyErr)
		}
		srcProps, _ := srcMsg.Props(ctx)
		srcProps.InternalDate = time.Now()
		if err := dstMsg.SetProps(ctx, srcProps); err != nil {
			return out, err
		}
		if err := dstMsg.SaveChanges(ctx); err != nil {
			return out, err
		}
		m := dstMsg.(*message)
		out = append(out, mailstore.ContentsRow{EntryID: m.EntryID(), UID: m.uid, Props: m.props})
	}
	if move {
		if err := f.DeleteMessages(ctx, ids); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (f *folder) DeleteMessages(ctx context.Context, ids []mailstore.EntryID) error {
	for _, id := range ids {
		mid, err := idOf(id)
		if err != nil {
			return err
		}
		var key string
		if err := f.store.db.QueryRowContext(ctx,
			`SELECT maildir_key FROM messages WHERE folder_id = ? AND id = ?`, f.id, mid).Scan(&key); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return mailerr.New("DeleteMessages", mailerr.KindUnavailable, err)
		}
		if _, err := f.store.db.ExecContext(ctx, `DELETE FROM messages WHERE folder_id = ? AND id = ?`, f.id, mid); err != nil {
			return mailerr.New("DeleteMessages", mailerr.KindUnavailable, err)
		}
		for _, sub := range []string{"cur", "new"} {
			_ = os.Remove(filepath.Join(f.store.dirFor(f.id), sub, key))
		}
		f.store.publish(mailstore.Event{Kind: mailstore.EventExpunge, EntryID: id})
	}
	return nil
}

func (f *folder) SubscribeNotify(sink chan<- mailstore.Event) (int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.next++
	cookie := f.store.next
	f.store.subs[cookie] = sink
	return cookie, nil
}

func (f *folder) Unsubscribe(cookie int) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	delete(f.store.subs, cookie)
	return nil
}

// notifyNewMessage triggers the maildir library's own new-mail
// bookkeeping (it clears the directory's atime so future readers see
// it as having unread content) and fans the change out to IDLE
// subscribers.
func (f *folder) notifyNewMessage(count int) {
	_, _ = f.dir().Unseen() //nolint:errcheck
	f.store.publish(mailstore.Event{Kind: mailstore.EventExists, NewCount: count})
}

func (s *Store) publish(ev mailstore.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.subs {
		select {
		case sink <- ev:
		default:
		}
	}
}


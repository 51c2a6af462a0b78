// Package maildirstore implements mailstore.Store on top of per-folder
// Maildir directories (github.com/emersion/go-maildir) with a SQLite
// database (github.com/mattn/go-sqlite3) holding folder hierarchy and
// per-message property bitmasks alongside the flat maildir filename
// flags.
package maildirstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/infodancer/mailgw/internal/mailerr"
	"github.com/infodancer/mailgw/internal/mailstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS folders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id INTEGER,
	name TEXT NOT NULL,
	display_name TEXT NOT NULL,
	uidvalidity INTEGER NOT NULL,
	nextuid INTEGER NOT NULL DEFAULT 1,
	max_seen_uid INTEGER NOT NULL DEFAULT 0,
	container_class TEXT NOT NULL DEFAULT '',
	subscribed INTEGER NOT NULL DEFAULT 0,
	UNIQUE(parent_id, name)
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_id INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	maildir_key TEXT NOT NULL,
	size INTEGER NOT NULL,
	internal_date INTEGER NOT NULL,
	msg_flags INTEGER NOT NULL DEFAULT 0,
	flag_status INTEGER NOT NULL DEFAULT 0,
	msg_status INTEGER NOT NULL DEFAULT 0,
	last_verb INTEGER NOT NULL DEFAULT 0,
	UNIQUE(folder_id, uid)
);
`

// Store is a single user's mailbox tree rooted at basePath, backed by
// one SQLite database (metadata.db) and one Maildir directory per
// folder.
type Store struct {
	db       *sql.DB
	basePath string

	mu   sync.Mutex
	subs map[int]chan<- mailstore.Event // cookie -> sink, folder-agnostic fan-out
	next int
}

// Open creates or opens a maildir-backed store rooted at basePath. The
// directory and its metadata.db are created on first use.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("maildirstore: create base dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(basePath, "metadata.db")+"?_journal=WAL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("maildirstore: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("maildirstore: migrate schema: %w", err)
	}
	s := &Store{db: db, basePath: basePath, subs: make(map[int]chan<- mailstore.Event)}
	if err := s.ensureRoot(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureRoot() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM folders WHERE parent_id IS NULL`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO folders (parent_id, name, display_name, uidvalidity, container_class, subscribed)
		 VALUES (NULL, '', 'INBOX', ?, 'IPF.Note', 1)`,
		time.Now().Unix())
	return err
}

func (s *Store) Root(ctx context.Context) (mailstore.Folder, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM folders WHERE parent_id IS NULL`).Scan(&id); err != nil {
		return nil, mailerr.New("Root", mailerr.KindUnavailable, err)
	}
	return s.openByID(ctx, id)
}

// ResolveFolder walks path from Root, creating no intermediate
// folders; every component must already exist.
func (s *Store) ResolveFolder(ctx context.Context, path []string) (mailstore.Folder, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return nil, err
	}
	f := root
	for _, comp := range path {
		if comp == "" {
			continue
		}
		rows, err := f.HierarchyTable(ctx)
		if err != nil {
			return nil, err
		}
		var childID mailstore.EntryID
		found := false
		for _, r := range rows {
			if r.Name == comp {
				childID = r.EntryID
				found = true
				break
			}
		}
		if !found {
			return nil, mailerr.New("ResolveFolder", mailerr.KindNotFound, fmt.Errorf("no such folder component %q", comp))
		}
		id, err := idOf(childID)
		if err != nil {
			return nil, err
		}
		f, err = s.openByID(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (s *Store) CreateFolder(ctx context.Context, parent mailstore.Folder, name string) (mailstore.Folder, error) {
	pid, err := idOf(parent.EntryID())
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO folders (parent_id, name, display_name, uidvalidity, container_class, subscribed)
		 VALUES (?, ?, ?, ?, 'IPF.Note', 0)`,
		pid, name, name, time.Now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, mailerr.New("CreateFolder", mailerr.KindAlreadyExists, err)
		}
		return nil, mailerr.New("CreateFolder", mailerr.KindUnavailable, err)
	}
	id, _ := res.LastInsertId()
	if err := os.MkdirAll(filepath.Join(s.dirFor(id), "cur"), 0750); err != nil {
		return nil, mailerr.New("CreateFolder", mailerr.KindUnavailable, err)
	}
	if err := os.MkdirAll(filepath.Join(s.dirFor(id), "new"), 0750); err != nil {
		return nil, mailerr.New("CreateFolder", mailerr.KindUnavailable, err)
	}
	if err := os.MkdirAll(filepath.Join(s.dirFor(id), "tmp"), 0750); err != nil {
		return nil, mailerr.New("CreateFolder", mailerr.KindUnavailable, err)
	}
	return s.openByID(ctx, id)
}

func (s *Store) DeleteFolder(ctx context.Context, parent mailstore.Folder, child mailstore.Folder) error {
	id, err := idOf(child.EntryID())
	if err != nil {
		return err
	}
	var childCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM folders WHERE parent_id = ?`, id).Scan(&childCount); err != nil {
		return mailerr.New("DeleteFolder", mailerr.KindUnavailable, err)
	}
	if childCount > 0 {
		return mailerr.New("DeleteFolder", mailerr.KindPermission, fmt.Errorf("folder has children"))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE folder_id = ?`, id); err != nil {
		return mailerr.New("DeleteFolder", mailerr.KindUnavailable, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id); err != nil {
		return mailerr.New("DeleteFolder", mailerr.KindUnavailable, err)
	}
	if err := os.RemoveAll(s.dirFor(id)); err != nil && !os.IsNotExist(err) {
		return mailerr.New("DeleteFolder", mailerr.KindUnavailable, err)
	}
	return nil
}

func (s *Store) RenameFolder(ctx context.Context, folder mailstore.Folder, newParent mailstore.Folder, newName string) error {
	id, err := idOf(folder.EntryID())
	if err != nil {
		return err
	}
	pid, err := idOf(newParent.EntryID())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE folders SET parent_id = ?, name = ?, display_name = ? WHERE id = ?`,
		pid, newName, newName, id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return mailerr.New("RenameFolder", mailerr.KindAlreadyExists, err)
		}
		return mailerr.New("RenameFolder", mailerr.KindUnavailable, err)
	}
	return nil
}

func (s *Store) Subscriptions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM folders WHERE subscribed = 1`)
	if err != nil {
		return nil, mailerr.New("Subscriptions", mailerr.KindUnavailable, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) SetSubscribed(ctx context.Context, path []string, subscribed bool) error {
	f, err := s.ResolveFolder(ctx, path)
	if err != nil {
		return err
	}
	id, err := idOf(f.EntryID())
	if err != nil {
		return err
	}
	v := 0
	if subscribed {
		v = 1
	}
	_, err = s.db.ExecContext(ctx, `UPDATE folders SET subscribed = ? WHERE id = ?`, v, id)
	return err
}

func (s *Store) dirFor(id int64) string {
	return filepath.Join(s.basePath, fmt.Sprintf("folder_%d", id))
}

func idOf(e mailstore.EntryID) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(string(e), "%d", &id)
	if err != nil {
		return 0, mailerr.New("idOf", mailerr.KindInvalidArgument, err)
	}
	return id, nil
}

func (s *Store) openByID(ctx context.Context, id int64) (*folder, error) {
	var name, display, class string
	var uidvalidity uint32
	var nextuid uint32
	var maxSeenUID uint32
	var subscribed int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, display_name, uidvalidity, nextuid, max_seen_uid, container_class, subscribed FROM folders WHERE id = ?`, id).
		Scan(&name, &display, &uidvalidity, &nextuid, &maxSeenUID, &class, &subscribed)
	if err == sql.ErrNoRows {
		return nil, mailerr.New("openByID", mailerr.KindNotFound, err)
	}
	if err != nil {
		return nil, mailerr.New("openByID", mailerr.KindUnavailable, err)
	}
	return &folder{store: s, id: id, name: name, displayName: display, uidValidity: uidvalidity, nextUID: nextuid, maxSeenUID: maxSeenUID, class: class, subscribed: subscribed != 0}, nil
}

func generateMaildirKey() string {
	buf := make([]byte, 12)
	rand.Read(buf) //nolint:errcheck
	return fmt.Sprintf("%d.%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}

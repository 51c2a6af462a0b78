package maildirstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/infodancer/mailgw/internal/mailerr"
	"github.com/infodancer/mailgw/internal/mailstore"
)

// Authenticator opens one maildirstore.Store per authenticated user
// under rootPath/<user>. It does not itself check credentials: callers
// authenticate via internal/auth first and pass the resulting identity
// to OpenSession.
type Authenticator struct {
	rootPath    string
	publicPath  string // empty if no public/shared store configured
	quotaLimit  int64  // bytes; 0 = unlimited

	mu     sync.Mutex
	stores map[string]*Store
}

// NewAuthenticator constructs an Authenticator rooted at rootPath, with
// an optional shared public store at publicPath (empty disables it).
func NewAuthenticator(rootPath, publicPath string, quotaLimit int64) *Authenticator {
	return &Authenticator{
		rootPath:   rootPath,
		publicPath: publicPath,
		quotaLimit: quotaLimit,
		stores:     make(map[string]*Store),
	}
}

func (a *Authenticator) storeFor(path string) (*Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.stores[path]; ok {
		return s, nil
	}
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	a.stores[path] = s
	return s, nil
}

func (a *Authenticator) OpenSession(ctx context.Context, user string) (mailstore.Session, error) {
	userPath := filepath.Join(a.rootPath, safeUserDir(user))
	store, err := a.storeFor(userPath)
	if err != nil {
		return nil, mailerr.New("OpenSession", mailerr.KindUnavailable, err)
	}
	return &session{auth: a, user: user, store: store}, nil
}

func safeUserDir(user string) string {
	safe := make([]byte, 0, len(user))
	for i := 0; i < len(user); i++ {
		c := user[i]
		if c == '/' || c == '\\' || c == '.' {
			safe = append(safe, '_')
			continue
		}
		safe = append(safe, c)
	}
	return string(safe)
}

type session struct {
	auth  *Authenticator
	user  string
	store *Store
}

func (s *session) OpenDefaultStore(ctx context.Context) (mailstore.Store, error) {
	return s.store, nil
}

func (s *session) OpenPublicStore(ctx context.Context) (mailstore.Store, error) {
	if s.auth.publicPath == "" {
		return nil, mailerr.New("OpenPublicStore", mailerr.KindNotSupported, fmt.Errorf("no public store configured"))
	}
	return s.auth.storeFor(s.auth.publicPath)
}

func (s *session) UserHasFeature(ctx context.Context, feature string) (bool, error) {
	// No per-user feature table in this store; every configured user
	// has every feature the gateway compiles in.
	return true, nil
}

func (s *session) Quota(ctx context.Context) (used, limit int64, err error) {
	if e := s.store.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM messages`).Scan(&used); e != nil {
		return 0, s.auth.quotaLimit, mailerr.New("Quota", mailerr.KindUnavailable, e)
	}
	return used, s.auth.quotaLimit, nil
}

func (s *session) Close() error { return nil }

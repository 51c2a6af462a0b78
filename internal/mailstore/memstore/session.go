package memstore

import (
	"context"
	"sync"

	"github.com/infodancer/mailgw/internal/mailerr"
	"github.com/infodancer/mailgw/internal/mailstore"
)

// Authenticator hands out one in-memory Store per user, created lazily
// on first OpenSession. Intended for tests and for deployments with no
// persistent backend configured.
type Authenticator struct {
	mu     sync.Mutex
	stores map[string]*Store
}

func NewAuthenticator() *Authenticator {
	return &Authenticator{stores: make(map[string]*Store)}
}

func (a *Authenticator) OpenSession(ctx context.Context, user string) (mailstore.Session, error) {
	a.mu.Lock()
	s, ok := a.stores[user]
	if !ok {
		s = New()
		a.stores[user] = s
	}
	a.mu.Unlock()
	return &session{store: s}, nil
}

type session struct{ store *Store }

func (s *session) OpenDefaultStore(ctx context.Context) (mailstore.Store, error) { return s.store, nil }

func (s *session) OpenPublicStore(ctx context.Context) (mailstore.Store, error) {
	return nil, mailerr.New("OpenPublicStore", mailerr.KindNotSupported, nil)
}

func (s *session) UserHasFeature(ctx context.Context, feature string) (bool, error) { return true, nil }

func (s *session) Quota(ctx context.Context) (used, limit int64, err error) {
	root, _ := s.store.Root(ctx)
	f := root.(*folder)
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var total int64
	var walk func(*folder)
	walk = func(fl *folder) {
		for _, m := range fl.messages {
			total += m.props.Size
		}
		for _, c := range fl.children {
			walk(c)
		}
	}
	walk(f)
	return total, 0, nil
}

func (s *session) Close() error { return nil }

package vectorstore

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/soyeahso/docchat/internal/domain"
)

// DefaultSealRetention is how long a sealed session keeps refusing writes.
// Session ids are not reused by the gateway, so the mark only has to outlive
// writes that were already in flight at teardown.
const DefaultSealRetention = 10 * time.Minute

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Guard serializes writes per session on top of any Store, and refuses
// writes to sessions that have been sealed. Searches pass straight through.
type Guard struct {
	inner  Store
	sealed *cache.Cache // session id -> struct{}

	mu    sync.Mutex
	locks map[domain.SessionID]*sessionLock
}

// GuardOption customizes a Guard.
type GuardOption func(*guardOptions)

type guardOptions struct {
	retention time.Duration
}

// WithSealRetention sets how long Seal's mark lasts.
func WithSealRetention(d time.Duration) GuardOption {
	return func(o *guardOptions) { o.retention = d }
}

// NewGuard wraps inner.
func NewGuard(inner Store, opts ...GuardOption) *Guard {
	o := guardOptions{retention: DefaultSealRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return &Guard{
		inner:  inner,
		sealed: cache.New(o.retention, o.retention),
		locks:  make(map[domain.SessionID]*sessionLock),
	}
}

func (g *Guard) acquire(id domain.SessionID) *sessionLock {
	g.mu.Lock()
	l, ok := g.locks[id]
	if !ok {
		l = &sessionLock{}
		g.locks[id] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return l
}

func (g *Guard) release(id domain.SessionID, l *sessionLock) {
	l.mu.Unlock()

	g.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, id)
	}
	g.mu.Unlock()
}

func (g *Guard) isSealed(id domain.SessionID) bool {
	_, ok := g.sealed.Get(string(id))
	return ok
}

func (g *Guard) Add(ctx context.Context, sessionID domain.SessionID, chunks []domain.Chunk) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	l := g.acquire(sessionID)
	defer g.release(sessionID, l)

	if g.isSealed(sessionID) {
		return ErrSessionClosed
	}
	return g.inner.Add(ctx, sessionID, chunks)
}

func (g *Guard) Search(ctx context.Context, q Query) ([]Result, error) {
	return g.inner.Search(ctx, q)
}

func (g *Guard) Delete(ctx context.Context, sessionID domain.SessionID, filter map[string]string) (int, error) {
	if sessionID == "" {
		return 0, ErrMissingSession
	}
	l := g.acquire(sessionID)
	defer g.release(sessionID, l)
	return g.inner.Delete(ctx, sessionID, filter)
}

// Seal marks the session closed and deletes all of its entries. An Add that
// is already running finishes first; later Adds fail with ErrSessionClosed.
func (g *Guard) Seal(ctx context.Context, sessionID domain.SessionID) (int, error) {
	if sessionID == "" {
		return 0, ErrMissingSession
	}
	l := g.acquire(sessionID)
	defer g.release(sessionID, l)

	g.sealed.SetDefault(string(sessionID), struct{}{})
	return g.inner.Delete(ctx, sessionID, nil)
}

// Unseal lets a sealed session id accept writes again, for when a new
// connection reuses it.
func (g *Guard) Unseal(sessionID domain.SessionID) {
	g.sealed.Delete(string(sessionID))
}

// Sealed reports whether sessionID has been sealed within the retention.
func (g *Guard) Sealed(sessionID domain.SessionID) bool {
	return g.isSealed(sessionID)
}

func (g *Guard) Close() error { return g.inner.Close() }

package tools

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rcliao/memblocks/internal/store"
)

// Session is one client's pinned connection. Tools that name no branch run
// on it, and checkout moves it. Calls on the pinned connection run one at a
// time.
type Session struct {
	ID string

	pool *store.Pool

	mu   sync.Mutex
	conn *store.Conn

	bmu    sync.RWMutex
	branch string
}

func newSession(pool *store.Pool, branch string) *Session {
	return &Session{ID: uuid.NewString(), pool: pool, branch: branch}
}

// Branch is the session's active branch.
func (s *Session) Branch() string {
	s.bmu.RLock()
	defer s.bmu.RUnlock()
	return s.branch
}

func (s *Session) setBranch(b string) {
	s.bmu.Lock()
	s.branch = b
	s.bmu.Unlock()
}

// use runs fn on the pinned connection, acquiring one for the session branch
// when none is held. A connection that fails with a connection error is
// dropped so the next call starts fresh.
func (s *Session) use(ctx context.Context, fn func(context.Context, *store.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := s.pool.Acquire(ctx, s.Branch())
		if err != nil {
			return err
		}
		s.conn = conn
	}
	err := fn(ctx, s.conn)
	// Checkout may have moved the connection.
	s.setBranch(store.ActiveBranch(s.conn))
	if store.IsRetryable(err) || store.KindOf(err) == store.KindUnknownOutcome {
		// A commit may still hold the connection; close it once that ends.
		conn := s.conn
		conn.MarkBroken()
		go s.pool.Release(conn)
		s.conn = nil
	}
	return err
}

// Close releases the pinned connection.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.pool.Release(s.conn)
		s.conn = nil
	}
}

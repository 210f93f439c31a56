// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
)

// DefaultCleanupInterval is how often the background reaper scans for idle
// sessions.
const DefaultCleanupInterval = 1 * time.Minute

// SessionStore implements session.Store with an in-memory map. Safe for
// concurrent use; a background goroutine periodically reaps sessions idle
// for longer than idleTimeout.
type SessionStore struct {
	sessions        map[string]*session.Session
	mu              sync.RWMutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	idleTimeout     time.Duration
	once            sync.Once
}

// NewSessionStore creates an in-memory session store. idleTimeout of 0
// disables the background reaper's idle check (sessions are reaped only on
// explicit Delete).
func NewSessionStore(idleTimeout time.Duration) *SessionStore {
	return &SessionStore{
		sessions:        make(map[string]*session.Session),
		stopChan:        make(chan struct{}),
		cleanupInterval: DefaultCleanupInterval,
		idleTimeout:     idleTimeout,
	}
}

// StartCleanup starts the background reaper goroutine. Call Stop to halt it.
func (s *SessionStore) StartCleanup(ctx context.Context) {
	if s.idleTimeout <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *SessionStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cleaned := 0
	for id, sess := range s.sessions {
		if sess.IsIdleSince(now, s.idleTimeout) {
			delete(s.sessions, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("reaped idle sessions", "count", cleaned)
	}
}

// Stop halts the background reaper and waits for it to exit. Safe to call
// multiple times or without a prior StartCleanup.
func (s *SessionStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Get retrieves a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Update saves changes to an existing session.
func (s *SessionStore) Update(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return session.ErrSessionNotFound
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Delete removes a session.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// StoreLastEventID updates just the last_event_id field without requiring
// a full session round-trip, keeping the hot SSE forwarding path cheap.
func (s *SessionStore) StoreLastEventID(ctx context.Context, id, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	sess.LastEventID = eventID
	return nil
}

// LastEventID returns the last recorded SSE event id, or "" if the session
// is unknown or has none.
func (s *SessionStore) LastEventID(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return "", nil
	}
	return sess.LastEventID, nil
}

// CountSessions returns the number of sessions currently stored.
func (s *SessionStore) CountSessions(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

// ListSessions returns a snapshot of all stored sessions.
func (s *SessionStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out, nil
}

// BatchGet returns the sessions found among ids, omitting any that are
// missing rather than erroring the whole batch.
func (s *SessionStore) BatchGet(ctx context.Context, ids []string) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

// Size returns the number of sessions currently stored (test helper).
func (s *SessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Compile-time interface verification.
var _ session.Store = (*SessionStore)(nil)

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the default idle timeout before a session is eligible
// for cleanup.
const DefaultTimeout = 30 * time.Minute

// Config holds session manager configuration.
type Config struct {
	// Timeout is the idle duration after which a session is reaped.
	// Default: 30 minutes.
	Timeout time.Duration
}

// Manager owns session lifecycle: creation on first contact, activity and
// Last-Event-Id bookkeeping on every envelope, and deletion on explicit
// close or idle-timeout.
type Manager struct {
	store   Store
	timeout time.Duration
}

// NewManager constructs a Manager over the given store.
func NewManager(store Store, cfg Config) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{store: store, timeout: timeout}
}

// Create starts a new session, typically because an incoming envelope
// carried an MCP-Session-Id the store didn't recognize, or no id at all.
func (m *Manager) Create(ctx context.Context, id, protocolVersion string) (*Session, error) {
	if id == "" {
		generated, err := GenerateSessionID()
		if err != nil {
			return nil, err
		}
		id = generated
	}
	s := NewSession(id, protocolVersion)
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return s, nil
}

// Get retrieves a session, treating idle-expired sessions as not found.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.IsIdleSince(time.Now().UTC(), m.timeout) {
		_ = m.store.Delete(ctx, id)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetOrCreate fetches an existing session or creates one when absent, per
// the lifecycle rule that a missing MCP-Session-Id implies a fresh session.
func (m *Manager) GetOrCreate(ctx context.Context, id, protocolVersion string) (*Session, error) {
	if id != "" {
		s, err := m.Get(ctx, id)
		if err == nil {
			return s, nil
		}
		if err != ErrSessionNotFound {
			return nil, err
		}
	}
	return m.Create(ctx, id, protocolVersion)
}

// Touch updates last_activity for a session and persists it.
func (m *Manager) Touch(ctx context.Context, id string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	s.Touch(time.Now().UTC())
	return m.store.Update(ctx, s)
}

// RecordLastEventID persists the last successfully delivered SSE event id.
// Per the data model invariant, this must be called before the next
// envelope on the stream is processed.
func (m *Manager) RecordLastEventID(ctx context.Context, id, eventID string) error {
	return m.store.StoreLastEventID(ctx, id, eventID)
}

// LastEventID returns the last recorded SSE event id for reconnection.
func (m *Manager) LastEventID(ctx context.Context, id string) (string, error) {
	return m.store.LastEventID(ctx, id)
}

// SetStickyUpstream records the upstream a session has been pinned to.
func (m *Manager) SetStickyUpstream(ctx context.Context, id, upstreamID string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	s.StickyUpstreamID = upstreamID
	return m.store.Update(ctx, s)
}

// List returns every live session, for the admin surface.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	return m.store.ListSessions(ctx)
}

// Count returns the number of live sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.CountSessions(ctx)
}

// Close transitions a session to Closed and deletes it.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err == nil {
		s.State = Closed
		_ = m.store.Update(ctx, s)
	}
	return m.store.Delete(ctx, id)
}

// GenerateSessionID creates a fresh session id: a random (v4) UUID, the
// shape the Mcp-Session-Id header carries on the wire.
func GenerateSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return id.String(), nil
}

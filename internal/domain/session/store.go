package session

import (
	"context"
	"errors"
)

// Store is the pluggable session persistence port. The in-memory adapter is
// the default; recorded message frames are never stored here — recording
// is a separate subsystem per the design notes.
type Store interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound if session doesn't exist or is expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Update saves changes to an existing session.
	Update(ctx context.Context, session *Session) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// StoreLastEventID records the most recently delivered SSE event id for
	// a session, independent of a full Update, so the hot SSE path doesn't
	// pay for a full session round-trip per event.
	StoreLastEventID(ctx context.Context, id, eventID string) error
	// LastEventID returns the last recorded SSE event id, or "" if none.
	LastEventID(ctx context.Context, id string) (string, error)

	CountSessions(ctx context.Context) (int, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	// BatchGet returns the sessions found among ids; missing ids are
	// silently omitted rather than erroring the whole batch.
	BatchGet(ctx context.Context, ids []string) ([]*Session, error)
}

// ErrSessionNotFound is returned when a session doesn't exist or is expired.
var ErrSessionNotFound = errors.New("session not found")

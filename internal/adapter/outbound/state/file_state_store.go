// Package state persists the proxy's durable configuration snapshot
// (upstream definitions, the default policy) to a single JSON file so
// admin-configured state survives a restart without requiring one to pick
// up upstream changes. Session state is never persisted here: the session
// manager keeps sessions in memory only.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CurrentVersion is written to a freshly created state file and checked
// (informationally, not as a hard gate) on load.
const CurrentVersion = "1"

// UpstreamEntry is the persisted shape of one configured upstream. It
// mirrors upstream.Upstream's settable fields, kept as an independent type
// so the storage format doesn't change silently just because the domain
// type grows a runtime-only field.
type UpstreamEntry struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Enabled   bool              `json:"enabled"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// AppState is the full contents of state.json.
type AppState struct {
	Version       string          `json:"version"`
	DefaultPolicy string          `json:"default_policy"`
	Upstreams     []UpstreamEntry `json:"upstreams"`
}

// FileStateStore reads and writes AppState to a single JSON file on disk,
// serializing writes so concurrent Save calls from different upstream CRUD
// operations cannot interleave and corrupt the file.
type FileStateStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStateStore creates a store bound to path. The file is not created
// until the first Save.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStateStore{path: path, logger: logger}
}

// DefaultState returns an empty AppState with the current version stamped,
// suitable as the seed for a brand-new deployment.
func (s *FileStateStore) DefaultState() *AppState {
	return &AppState{
		Version:       CurrentVersion,
		DefaultPolicy: "deny",
		Upstreams:     []UpstreamEntry{},
	}
}

// Load reads and decodes the state file. If the file does not exist, it
// returns DefaultState without error: a fresh deployment has no state.json
// yet, and that is not a failure condition.
func (s *FileStateStore) Load() (*AppState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.DefaultState(), nil
		}
		return nil, fmt.Errorf("state: read %s: %w", s.path, err)
	}

	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", s.path, err)
	}
	if st.Upstreams == nil {
		st.Upstreams = []UpstreamEntry{}
	}
	return &st, nil
}

// Save atomically writes st to the state file: it writes to a temp file in
// the same directory and renames over the target, so a crash mid-write
// never leaves a truncated state.json behind.
func (s *FileStateStore) Save(st *AppState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("state: rename into place: %w", err)
	}

	s.logger.Debug("state saved", "path", s.path, "upstreams", len(st.Upstreams))
	return nil
}

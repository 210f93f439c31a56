package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
)

// ErrKeyNotFound is returned when an API key hash has no matching entry.
var ErrKeyNotFound = auth.ErrInvalidKey

// ErrIdentityNotFound is returned when an identity ID has no matching entry.
var ErrIdentityNotFound = auth.ErrUserNotFound

// AuthStore implements auth.AuthStore from a fixed, in-memory set of
// identities and API keys, the config file's equivalent of a
// credentials table. It is read-only from the interceptor's perspective:
// identities and keys are seeded once at startup from config.AuthConfig.
type AuthStore struct {
	mu         sync.RWMutex
	identities map[string]*auth.Identity
	apiKeys    map[string]*auth.APIKey // keyed by key hash
}

// NewAuthStore creates an empty AuthStore; use SeedIdentity and SeedAPIKey
// to populate it from configuration.
func NewAuthStore() *AuthStore {
	return &AuthStore{
		identities: make(map[string]*auth.Identity),
		apiKeys:    make(map[string]*auth.APIKey),
	}
}

// SeedIdentity registers an identity (or replaces one with the same ID).
func (s *AuthStore) SeedIdentity(identity auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.ID] = &identity
}

// SeedAPIKey registers an API key hash mapping to identityID. keyHash is
// stored verbatim, so it must be in the same form HashKey returns (bare
// lowercase hex, no "sha256:" prefix) for lookups to line up.
func (s *AuthStore) SeedAPIKey(keyHash, identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[keyHash] = &auth.APIKey{Key: keyHash, IdentityID: identityID}
}

// GetAPIKey implements auth.AuthStore.
func (s *AuthStore) GetAPIKey(ctx context.Context, keyHash string) (*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.apiKeys[keyHash]; ok {
		clone := *k
		return &clone, nil
	}
	// HashKey produces a bare-hex digest; config seeds "sha256:"-prefixed
	// hashes, so also try with the prefix trimmed or added.
	if strings.HasPrefix(keyHash, "sha256:") {
		if k, ok := s.apiKeys[strings.TrimPrefix(keyHash, "sha256:")]; ok {
			clone := *k
			return &clone, nil
		}
	} else if k, ok := s.apiKeys["sha256:"+keyHash]; ok {
		clone := *k
		return &clone, nil
	}
	return nil, ErrKeyNotFound
}

// GetIdentity implements auth.AuthStore.
func (s *AuthStore) GetIdentity(ctx context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if identity, ok := s.identities[id]; ok {
		clone := *identity
		return &clone, nil
	}
	return nil, ErrIdentityNotFound
}

// ListAPIKeys implements auth.AuthStore, supporting APIKeyService's
// Argon2id verification fallback.
func (s *AuthStore) ListAPIKeys(ctx context.Context) ([]*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*auth.APIKey, 0, len(s.apiKeys))
	for _, k := range s.apiKeys {
		clone := *k
		keys = append(keys, &clone)
	}
	return keys, nil
}

var _ auth.AuthStore = (*AuthStore)(nil)

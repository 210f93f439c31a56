package auth

import (
	"context"
	"errors"
)

// Sentinel errors for credential store operations.
var (
	// ErrUserNotFound is returned when an identity is not found.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserKeyNotFound is returned when an API key is not found.
	ErrUserKeyNotFound = errors.New("user API key not found")
)

// AuthStore provides credential lookup for authentication.
// This interface is defined in the domain to avoid circular imports.
// The in-memory adapter is the default implementation; credentials are
// seeded from the configuration file.
type AuthStore interface {
	// GetAPIKey retrieves an API key by its hash.
	// Returns ErrUserKeyNotFound if key doesn't exist.
	GetAPIKey(ctx context.Context, keyHash string) (*APIKey, error)

	// GetIdentity retrieves user identity by ID.
	// Returns ErrUserNotFound if identity doesn't exist.
	GetIdentity(ctx context.Context, id string) (*Identity, error)

	// ListAPIKeys returns all stored API keys for iteration-based verification.
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
}

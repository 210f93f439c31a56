package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// apiKeyContextKey is the context key type for the raw Authorization
// bearer value extracted by an inbound transport's middleware.
type apiKeyContextKey struct{}

// APIKeyContextKey is the context key an inbound transport stores the raw
// Authorization: Bearer value under, for AuthInterceptor to validate.
// Transports set this before handing the envelope to the interceptor
// chain; see http.APIKeyMiddleware.
var APIKeyContextKey = apiKeyContextKey{}

// connectionIDContextKey is the context key type for a per-connection
// identifier used to scope per-connection state (e.g. session caches)
// across requests sharing one transport.
type connectionIDContextKey struct{}

// ConnectionIDKey is the context key for a stable per-connection
// identifier. HTTP transports derive one from the caller's credentials so
// that distinct API keys sharing one listener don't collide on a single
// "default" connection identity.
var ConnectionIDKey = connectionIDContextKey{}

// identityContextKey is the context key type for the identity AuthInterceptor
// resolved for the current request.
type identityContextKey struct{}

// IdentityContextKey is the context key AuthInterceptor stores the resolved
// auth.Identity under once a request authenticates successfully. Downstream
// interceptors (policy/rule evaluation, audit) read it to attribute the
// request to a principal.
var IdentityContextKey = identityContextKey{}

// AuthErrorReason classifies why authentication failed, so callers at the
// HTTP edge can pick between 401 (missing or invalid credentials) and 503
// (validation could not complete because keys could not be fetched).
type AuthErrorReason int

const (
	// AuthReasonMissing means no credential was presented at all.
	AuthReasonMissing AuthErrorReason = iota
	// AuthReasonInvalid means a credential was presented but did not verify
	// (unknown API key, bad JWT signature, expired token, wrong issuer).
	AuthReasonInvalid
	// AuthReasonKeyFetch means validation couldn't complete because the
	// JWKS endpoint (or equivalent) was unreachable.
	AuthReasonKeyFetch
)

// AuthError is returned by AuthInterceptor when a request cannot be
// authenticated. It is distinct from ErrBlocked so the HTTP edge can map it
// to 401/503 rather than the 200 response used for a policy Block.
type AuthError struct {
	Reason AuthErrorReason
	Detail string
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case AuthReasonMissing:
		return "authentication required"
	case AuthReasonKeyFetch:
		return fmt.Sprintf("authentication unavailable: %s", e.Detail)
	default:
		return "authentication failed"
	}
}

// AuthInterceptor validates inbound credentials before a message reaches
// the rest of the chain. It supports two credential forms carried in the
// same Authorization: Bearer header: an opaque API key (checked against
// apiKeys) and a JWT (checked against jwtValidator), tried in that order.
// Either dependency may be nil to disable that credential form.
//
// AuthInterceptor only ever reads the credential to establish an Identity
// in context; it never attaches it to the outgoing envelope, so nothing
// downstream can accidentally relay it to an upstream.
type AuthInterceptor struct {
	apiKeys      *auth.APIKeyService
	jwtValidator *auth.JWTValidator
	next         MessageInterceptor
	logger       *slog.Logger
}

// NewAuthInterceptor builds an AuthInterceptor. apiKeys and jwtValidator
// may each be nil; if both are nil the interceptor passes every request
// through unauthenticated (equivalent to authentication being disabled).
func NewAuthInterceptor(apiKeys *auth.APIKeyService, jwtValidator *auth.JWTValidator, next MessageInterceptor, logger *slog.Logger) *AuthInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthInterceptor{apiKeys: apiKeys, jwtValidator: jwtValidator, next: next, logger: logger}
}

// Intercept authenticates client-to-server requests and forwards everything
// else (responses flowing back, internal messages) unchanged.
func (a *AuthInterceptor) Intercept(ctx context.Context, msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error) {
	if msg.Context.Direction != mcp.ClientToServer {
		return a.next.Intercept(ctx, msg)
	}
	if a.apiKeys == nil && a.jwtValidator == nil {
		return a.next.Intercept(ctx, msg)
	}

	token, ok := bearerToken(ctx, msg)
	if !ok || token == "" {
		return nil, &AuthError{Reason: AuthReasonMissing}
	}

	identity, err := a.authenticate(ctx, token)
	if err != nil {
		a.logger.Warn("authentication failed", "error", err)
		return nil, err
	}

	ctx = context.WithValue(ctx, IdentityContextKey, identity)
	ctx = context.WithValue(ctx, PrincipalKey, identity.ID)
	return a.next.Intercept(ctx, msg)
}

// authenticate tries the API key store first (fast, local lookup) and
// falls back to JWT validation so a single Authorization header works
// against either credential form without the caller needing to say which.
func (a *AuthInterceptor) authenticate(ctx context.Context, token string) (*auth.Identity, error) {
	if a.apiKeys != nil {
		identity, err := a.apiKeys.Validate(ctx, token)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, auth.ErrInvalidKey) && a.jwtValidator == nil {
			return nil, &AuthError{Reason: AuthReasonKeyFetch, Detail: err.Error()}
		}
	}

	if a.jwtValidator != nil {
		identity, err := a.jwtValidator.Validate(ctx, token)
		if err == nil {
			return identity, nil
		}
		return nil, &AuthError{Reason: AuthReasonInvalid, Detail: err.Error()}
	}

	return nil, &AuthError{Reason: AuthReasonInvalid}
}

// bearerToken recovers the raw Authorization: Bearer value for msg. HTTP
// inbound transports set it in context (see http.APIKeyMiddleware and
// APIKeyContextKey); as a fallback it is also read directly from the
// envelope's delivery headers so a caller that skips the context-based
// middleware (e.g. the reverse proxy, which builds delivery context
// straight from the request) still authenticates correctly.
func bearerToken(ctx context.Context, msg *mcp.MessageEnvelope) (string, bool) {
	if v, ok := ctx.Value(APIKeyContextKey).(string); ok && v != "" {
		return v, true
	}

	if msg.Context.Delivery.Transport != mcp.TransportHTTP {
		return "", false
	}
	header := headerValue(msg.Context.Delivery.Headers, "Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

// headerValue looks up a header in a map[string][]string case-insensitively,
// since DeliveryContext.Headers is populated straight from net/http request
// headers (canonicalized) or, in the reverse proxy's case, copied verbatim.
func headerValue(headers map[string][]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

var _ MessageInterceptor = (*AuthInterceptor)(nil)

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a bearer token fails signature, issuer,
// audience, or expiry validation.
var ErrInvalidToken = errors.New("invalid bearer token")

// JWTConfig carries the OAuth 2.1 / OIDC parameters needed to validate a
// bearer token externally: issuer, audience, jwks_uri, and the allowed
// signing algorithm.
type JWTConfig struct {
	Issuer    string
	Audience  string
	JWKSURI   string
	Algorithm string
}

// JWTValidator validates Bearer tokens against a JWKS endpoint: signature,
// issuer, audience, and expiry, with JWKS keys cached locally. The token is
// validated here and never leaves this process; callers are responsible
// for not copying the raw header onward to an upstream.
type JWTValidator struct {
	cfg   JWTConfig
	jwks  *JWKSCache
	roles func(claims jwt.MapClaims) []Role
}

// NewJWTValidator creates a validator backed by a JWKS cache fetching from
// cfg.JWKSURI. roles extracts authorization roles from the token's claims;
// pass nil to leave Identity.Roles empty (role assignment then comes purely
// from policy/rule conditions keyed on IdentityID).
func NewJWTValidator(cfg JWTConfig, jwks *JWKSCache, roles func(jwt.MapClaims) []Role) *JWTValidator {
	return &JWTValidator{cfg: cfg, jwks: jwks, roles: roles}
}

// Validate parses and verifies rawToken, checking signature (via the JWKS
// key named by the token's "kid" header), issuer, audience, expiry, and the
// configured signing algorithm. Returns the resulting Identity on success.
func (v *JWTValidator) Validate(ctx context.Context, rawToken string) (*Identity, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Algorithm != "" {
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{v.cfg.Algorithm}))
	}

	token, err := jwt.Parse(rawToken, v.keyFunc(ctx), parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	identity := &Identity{ID: subject, Name: subject}
	if v.roles != nil {
		identity.Roles = v.roles(claims)
	}
	return identity, nil
}

func (v *JWTValidator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("auth: token header missing kid")
		}
		return v.jwks.Key(ctx, kid)
	}
}

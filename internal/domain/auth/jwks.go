package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// jwk is one entry of a JSON Web Key Set, restricted to the fields needed
// to reconstruct an RSA or EC public key. Unknown fields are ignored.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	// RSA
	N string `json:"n"`
	E string `json:"e"`
	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// JWKSCache fetches and caches a JWKS document by kid, refreshing the whole
// set on a miss (a rotated key won't be in the cached document yet) but no
// more than minRefreshInterval apart, so a flood of requests bearing an
// unknown kid can't turn into a JWKS-fetch storm.
type JWKSCache struct {
	uri               string
	httpClient        *http.Client
	ttl               time.Duration
	minRefreshInterval time.Duration

	mu          sync.Mutex
	keys        map[string]any // kid -> *rsa.PublicKey | *ecdsa.PublicKey
	fetchedAt   time.Time
	lastRefresh time.Time
}

// NewJWKSCache creates a cache that fetches uri with an HTTP timeout and
// caches the parsed key set for ttl.
func NewJWKSCache(uri string, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &JWKSCache{
		uri:                uri,
		httpClient:         &http.Client{Timeout: 10 * time.Second},
		ttl:                ttl,
		minRefreshInterval: 5 * time.Second,
		keys:               make(map[string]any),
	}
}

// Key returns the public key for kid, fetching or refreshing the JWKS
// document as needed. Returns an error if the document can't be fetched or
// parsed, or if kid isn't present after a refresh.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	fresh := time.Since(c.fetchedAt) < c.ttl
	key, ok := c.keys[kid]
	c.mu.Unlock()
	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			// Serve the stale key rather than fail a request outright when
			// the JWKS endpoint is transiently unreachable.
			return key, nil
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("auth: no jwks key for kid %q", kid)
	}
	return key, nil
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastRefresh) < c.minRefreshInterval {
		c.mu.Unlock()
		return nil
	}
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return fmt.Errorf("auth: build jwks request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: jwks endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("auth: decode jwks: %w", err)
	}

	keys := make(map[string]any, len(doc.Keys))
	for _, k := range doc.Keys {
		pub, err := k.publicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (k *jwk) publicKey() (any, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaPublicKey()
	case "EC":
		return k.ecPublicKey()
	default:
		return nil, fmt.Errorf("auth: unsupported jwk kty %q", k.Kty)
	}
}

func (k *jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("auth: decode jwk modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("auth: decode jwk exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}

func (k *jwk) ecPublicKey() (*ecdsa.PublicKey, error) {
	curve, err := ecCurve(k.Crv)
	if err != nil {
		return nil, err
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("auth: decode jwk x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("auth: decode jwk y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

func ecCurve(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("auth: unsupported jwk curve %q", name)
	}
}

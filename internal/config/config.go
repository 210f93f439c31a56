// Package config provides the configuration schema and loading for
// Shadowcat.
//
// The core consumes this struct but does not own the loading surface: file
// discovery, environment overrides, and CLI flag plumbing live here at the
// edge, and the proxy packages receive plain values. The schema is
// file-based and in-memory only:
//
//   - NO external session storage (in-memory only; the store is pluggable in code)
//   - NO SIEM integration (audit goes to stdout or file)
//   - NO TLS configuration (terminate TLS in front of the listener)
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for Shadowcat.
type Config struct {
	// Server configures the HTTP listener shared by reverse mode and the
	// admin/metrics surface.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstream configures the single upstream used in forward mode.
	// Exactly one of HTTP or Command must be set when running forward.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// AuditFile configures file-based persistence for the recording
	// subsystem, used when audit output is "file://".
	AuditFile AuditFileConfig `yaml:"audit_file" mapstructure:"audit_file"`

	// Auth configures inbound authentication: file-based API keys and/or
	// OAuth 2.1 bearer token validation. Inbound credentials are never
	// forwarded upstream.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Audit configures where exchange records are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// RateLimit configures per-IP and per-principal rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// RuleFile is the path to the interceptor rule document (JSON or
	// YAML). Empty means no rules are loaded and every message passes
	// through unmodified.
	RuleFile string `yaml:"rule_file" mapstructure:"rule_file"`

	// RuleAutoReload enables the fsnotify watcher on RuleFile: edits are
	// recompiled and swapped in atomically. On by default when RuleFile is
	// set.
	RuleAutoReload bool `yaml:"rule_auto_reload" mapstructure:"rule_auto_reload"`

	// Pool tunes the upstream connection pool.
	Pool PoolConfig `yaml:"pool" mapstructure:"pool"`

	// Reverse configures reverse-proxy-mode upstreams, load balancing,
	// circuit breaking, and SSE reconnection. Only consulted by the
	// "reverse" CLI subcommand.
	Reverse ReverseProxyConfig `yaml:"reverse" mapstructure:"reverse"`

	// DevMode enables development conveniences (debug logging, a seeded
	// dev identity).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ReverseProxyConfig configures the reverse-proxy listener's upstream pool:
// a fixed set of backends load-balanced according to Strategy, with a
// circuit breaker isolating unhealthy ones and SSE reconnection resuming
// broken upstream streams.
type ReverseProxyConfig struct {
	// Upstreams lists the backend MCP servers this listener load-balances
	// across. At least one is required in reverse mode.
	Upstreams []ReverseUpstreamConfig `yaml:"upstreams" mapstructure:"upstreams" validate:"omitempty,dive"`

	// Strategy selects the load-balancing algorithm: "round_robin",
	// "weighted_round_robin", "least_connections", "random",
	// "weighted_random", or "healthy_first". Defaults to "round_robin".
	Strategy string `yaml:"strategy" mapstructure:"strategy" validate:"omitempty,oneof=round_robin weighted_round_robin least_connections random weighted_random healthy_first"`

	// StickySessions pins a session to the upstream that served its first
	// request, for as long as that upstream stays healthy.
	StickySessions bool `yaml:"sticky_sessions" mapstructure:"sticky_sessions"`

	// StickyRebalanceOnRecovery controls whether a session whose pinned
	// upstream becomes unhealthy is re-pinned to the upstream picked in its
	// place. Defaults to false: the pin is kept, requests go to a fresh pick
	// while it is unhealthy, and the session returns to it once it recovers.
	StickyRebalanceOnRecovery bool `yaml:"sticky_rebalance_on_recovery" mapstructure:"sticky_rebalance_on_recovery"`

	// CircuitBreaker configures the per-upstream failure circuit breaker.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`

	// GlobalRate is the reverse proxy's global admission rate, enforced
	// ahead of any per-upstream or per-principal limiting.
	GlobalRate RateConfig `yaml:"global_rate" mapstructure:"global_rate"`

	// SSEReconnect configures Last-Event-Id resumption when an upstream
	// SSE stream breaks mid-flight.
	SSEReconnect SSEReconnectConfig `yaml:"sse_reconnect" mapstructure:"sse_reconnect"`

	// MaxBodyBytes bounds the size of an inbound POST /mcp body. Requests
	// over the limit are rejected with 413. Defaults to 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"omitempty,min=1"`

	// CORS enables permissive CORS headers on the /mcp endpoint for
	// browser-hosted MCP clients.
	CORS bool `yaml:"cors" mapstructure:"cors"`
}

// SSEReconnectConfig configures the exponential-backoff-with-jitter retry
// loop the reverse proxy runs when an upstream SSE stream terminates
// unexpectedly.
type SSEReconnectConfig struct {
	// Enabled turns reconnection on. Defaults to true in reverse mode;
	// when disabled a broken upstream stream simply ends the client stream.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// MaxRetries bounds reconnection attempts per break. Defaults to 5.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=1"`
	// InitialBackoff is the first retry delay (e.g. "500ms"). Defaults to 500ms.
	InitialBackoff string `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	// MaxBackoff caps the delay growth (e.g. "30s"). Defaults to 30s.
	MaxBackoff string `yaml:"max_backoff" mapstructure:"max_backoff"`
	// Multiplier is the delay growth factor per attempt. Defaults to 2.
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"omitempty,gt=1"`
	// JitterFactor randomizes each delay by ±factor (0..1). Defaults to 0.2.
	JitterFactor float64 `yaml:"jitter_factor" mapstructure:"jitter_factor" validate:"omitempty,min=0,max=1"`
}

// PoolConfig tunes the upstream connection pool: admission permits, lease
// timeouts, and idle eviction.
type PoolConfig struct {
	// MaxConnections bounds simultaneous leases per upstream. Defaults to 8.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections" validate:"omitempty,min=1"`
	// AcquireTimeout bounds how long a request waits for a permit (e.g.
	// "10s"). Defaults to 10s; exhaustion surfaces as 503 at the edge.
	AcquireTimeout string `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	// IdleTimeout is how long an idle pooled connection survives before
	// eviction (e.g. "5m"). Defaults to 5m.
	IdleTimeout string `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// ReverseUpstreamConfig is one backend in a reverse proxy pool. Exactly one
// of URL (Streamable HTTP) or Command (pooled stdio subprocess) must be set.
type ReverseUpstreamConfig struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// URL is the backend's Streamable HTTP endpoint.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	// Command spawns the backend as a pooled stdio subprocess instead of
	// talking HTTP.
	Command string `yaml:"command" mapstructure:"command"`
	// Args are passed to Command.
	Args []string `yaml:"args" mapstructure:"args"`
	// Weight is consulted by the weighted_round_robin and weighted_random
	// strategies; ignored otherwise. Defaults to 1.
	Weight int `yaml:"weight" mapstructure:"weight" validate:"omitempty,min=1"`
}

// CircuitBreakerConfig configures the closed -> open -> half-open failure
// circuit breaker applied to each reverse-proxy upstream independently.
type CircuitBreakerConfig struct {
	// Enabled turns the circuit breaker on. Defaults to true in reverse mode.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open. Defaults to 5.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"omitempty,min=1"`
	// CooldownPeriod is how long the breaker stays open before allowing a
	// single probe request through (half-open). E.g. "30s".
	CooldownPeriod string `yaml:"cooldown_period" mapstructure:"cooldown_period"`
	// HalfOpenProbes is the number of consecutive successful probes
	// required in the half-open state before the breaker closes again.
	// Defaults to 1.
	HalfOpenProbes int `yaml:"half_open_probes" mapstructure:"half_open_probes" validate:"omitempty,min=1"`
}

// RateConfig configures a token-bucket rate limit (rate per second, plus
// burst).
type RateConfig struct {
	Enabled bool    `yaml:"enabled" mapstructure:"enabled"`
	Rate    float64 `yaml:"rate" mapstructure:"rate"`
	Burst   int     `yaml:"burst" mapstructure:"burst"`
}

// ServerConfig configures the HTTP listener.
// Only plain HTTP is supported; terminate TLS in front of the listener.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// SessionTimeout is the idle duration before sessions expire (e.g., "30m", "1h").
	// Defaults to "30m" if not specified.
	SessionTimeout string `yaml:"session_timeout" mapstructure:"session_timeout" validate:"omitempty"`

	// SessionCleanupInterval is how often expired sessions are reaped
	// (e.g., "1m"). Defaults to "1m".
	SessionCleanupInterval string `yaml:"session_cleanup_interval" mapstructure:"session_cleanup_interval" validate:"omitempty"`
}

// UpstreamConfig configures the single upstream used in forward mode.
// Exactly one of HTTP or Command must be specified (mutually exclusive).
type UpstreamConfig struct {
	// HTTP is the URL of a remote MCP server (e.g., "http://localhost:3000/mcp").
	HTTP string `yaml:"http" mapstructure:"http" validate:"omitempty,url"`

	// Command is the path to an MCP server executable to spawn as a subprocess.
	Command string `yaml:"command" mapstructure:"command"`

	// Args are the arguments to pass to the subprocess command.
	Args []string `yaml:"args" mapstructure:"args"`

	// HTTPTimeout is the timeout for HTTP requests to upstream (e.g., "30s", "1m").
	// Defaults to "30s" if not specified.
	HTTPTimeout string `yaml:"http_timeout" mapstructure:"http_timeout" validate:"omitempty"`
}

// AuthConfig configures inbound authentication. All identities and API keys
// are defined in the configuration file; JWT validation is configured
// against an external issuer.
type AuthConfig struct {
	// Identities defines the known identities (users/services).
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities" validate:"omitempty,dive"`

	// APIKeys defines the API keys that map to identities.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`

	// JWT configures OAuth 2.1 / OIDC bearer token validation: issuer,
	// audience, jwks_uri, and algorithm. When Enabled is false (the
	// default), only API key authentication applies.
	JWT JWTAuthConfig `yaml:"jwt" mapstructure:"jwt"`
}

// JWTAuthConfig configures Bearer-token validation against a JWKS endpoint.
type JWTAuthConfig struct {
	// Enabled turns on JWT validation as a second accepted credential form
	// alongside API keys.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Issuer is the expected "iss" claim.
	Issuer string `yaml:"issuer" mapstructure:"issuer" validate:"required_if=Enabled true"`

	// Audience is the expected "aud" claim.
	Audience string `yaml:"audience" mapstructure:"audience" validate:"required_if=Enabled true"`

	// JWKSURI is the JSON Web Key Set endpoint used to verify token
	// signatures.
	JWKSURI string `yaml:"jwks_uri" mapstructure:"jwks_uri" validate:"required_if=Enabled true,omitempty,url"`

	// Algorithm restricts accepted signing algorithms (e.g. "RS256").
	// Empty accepts whatever algorithm the token's header names, relying
	// on JWKS key-type matching alone; setting it closes the classic
	// alg-confusion hole.
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm"`

	// CacheTTL bounds how long a fetched JWKS document is trusted before
	// a routine refresh. Defaults to 15m.
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty"`
}

// IdentityConfig defines a file-based identity.
type IdentityConfig struct {
	// ID is the unique identifier for this identity.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Name is the human-readable name for this identity.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Roles are the roles assigned to this identity (admin endpoints
	// require "admin").
	Roles []string `yaml:"roles" mapstructure:"roles" validate:"required,min=1"`
}

// APIKeyConfig defines an API key that authenticates as an identity.
type APIKeyConfig struct {
	// KeyHash is the SHA-256 hash of the API key, prefixed with "sha256:".
	// Generate with: echo -n "your-api-key" | sha256sum | cut -d' ' -f1
	// Then prefix with "sha256:" (e.g., "sha256:abc123...")
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,startswith=sha256:"`

	// IdentityID references the identity this key authenticates as.
	// Must match an ID in Auth.Identities.
	IdentityID string `yaml:"identity_id" mapstructure:"identity_id" validate:"required"`
}

// AuditConfig configures exchange-record output.
// Supported sinks are stdout (in-memory ring buffer behind the admin
// surface) or a JSON-Lines file directory.
type AuditConfig struct {
	// Output specifies where records are written.
	// Valid values: "stdout" or "file:///absolute/path/to/dir"
	// Empty disables recording.
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,audit_output"`

	// ChannelSize is the buffer size for the record channel.
	// Larger values handle burst traffic better but use more memory.
	// Defaults to 1000 if not specified or 0.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// SendTimeout is how long to block when the channel is full (e.g., "100ms", "0").
	// "0" or empty = drop immediately (no blocking).
	// Defaults to "100ms" if not specified.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty"`

	// BufferSize is the number of recent records kept in the in-memory
	// ring buffer for the admin surface. Defaults to 1000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// RateLimitConfig configures per-IP and per-principal rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// IPRate is the maximum requests per minute per IP address.
	// Defaults to 100 if rate limiting is enabled.
	IPRate int `yaml:"ip_rate" mapstructure:"ip_rate" validate:"omitempty,min=1"`

	// UserRate is the maximum requests per minute per authenticated user.
	// Defaults to 1000 if rate limiting is enabled.
	UserRate int `yaml:"user_rate" mapstructure:"user_rate" validate:"omitempty,min=1"`

	// CleanupInterval is how often to clean up expired rate limit entries (e.g., "5m").
	// Defaults to "5m" if not specified.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`

	// MaxTTL is the maximum age of a rate limit entry before removal (e.g., "1h").
	// Defaults to "1h" if not specified.
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty"`
}

// AuditFileConfig configures the file-based record persistence.
type AuditFileConfig struct {
	// Dir is the directory where record files are stored.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// RetentionDays is the number of days to keep record files.
	// Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`
	// MaxFileSizeMB is the maximum size per file in megabytes before rotation.
	// Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	// CacheSize is the number of recent records to keep in memory.
	// Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size"`
}

// SetDevDefaults applies permissive defaults for development mode.
// This allows running shadowcat with minimal config (just an upstream).
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.Server.LogLevel == "" || c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}

	// Provide a default dev identity if none configured
	if len(c.Auth.Identities) == 0 {
		c.Auth.Identities = []IdentityConfig{
			{
				ID:    "dev-user",
				Name:  "Development User",
				Roles: []string{"admin"},
			},
		}
	}

	// Provide a default dev API key if none configured
	// SHA256 of "dev-api-key"
	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{
			{
				KeyHash:    "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274",
				IdentityID: "dev-user",
			},
		}
	}

	// Default audit to stdout if not configured
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only for security.
	// Users who need network access must explicitly set http_addr: ":8080" or "0.0.0.0:8080".
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SessionTimeout == "" {
		c.Server.SessionTimeout = "30m"
	}
	if c.Server.SessionCleanupInterval == "" {
		c.Server.SessionCleanupInterval = "1m"
	}

	// Upstream defaults
	if c.Upstream.HTTPTimeout == "" {
		c.Upstream.HTTPTimeout = "30s"
	}

	// Rule auto-reload is on whenever a rule file is configured, unless
	// explicitly disabled. viper.IsSet distinguishes "not set" (zero
	// value) from "explicitly false".
	if c.RuleFile != "" && !viper.IsSet("rule_auto_reload") {
		c.RuleAutoReload = true
	}

	// Audit defaults
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}

	// Pool defaults
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 8
	}
	if c.Pool.AcquireTimeout == "" {
		c.Pool.AcquireTimeout = "10s"
	}
	if c.Pool.IdleTimeout == "" {
		c.Pool.IdleTimeout = "5m"
	}

	// Reverse-mode defaults
	if c.Reverse.MaxBodyBytes == 0 {
		c.Reverse.MaxBodyBytes = 1 << 20
	}
	if !viper.IsSet("reverse.circuit_breaker.enabled") {
		c.Reverse.CircuitBreaker.Enabled = true
	}
	if !viper.IsSet("reverse.sse_reconnect.enabled") {
		c.Reverse.SSEReconnect.Enabled = true
	}
	if c.Reverse.SSEReconnect.MaxRetries == 0 {
		c.Reverse.SSEReconnect.MaxRetries = 5
	}
	if c.Reverse.SSEReconnect.InitialBackoff == "" {
		c.Reverse.SSEReconnect.InitialBackoff = "500ms"
	}
	if c.Reverse.SSEReconnect.MaxBackoff == "" {
		c.Reverse.SSEReconnect.MaxBackoff = "30s"
	}
	if c.Reverse.SSEReconnect.Multiplier == 0 {
		c.Reverse.SSEReconnect.Multiplier = 2
	}
	if c.Reverse.SSEReconnect.JitterFactor == 0 {
		c.Reverse.SSEReconnect.JitterFactor = 0.2
	}

	// Rate limit defaults — enabled by default for security.
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.IPRate == 0 {
		c.RateLimit.IPRate = 100
	}
	if c.RateLimit.UserRate == 0 {
		c.RateLimit.UserRate = 1000
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}
}

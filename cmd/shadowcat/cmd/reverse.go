package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowcat-mcp/shadowcat/internal/adapter/inbound/admin"
	httptransport "github.com/shadowcat-mcp/shadowcat/internal/adapter/inbound/http"
	celeval "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/cel"
	auditfile "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/file"
	"github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/memory"
	"github.com/shadowcat-mcp/shadowcat/internal/config"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/audit"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/proxy"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/ratelimit"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/rule"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
	"github.com/shadowcat-mcp/shadowcat/internal/reverseproxy"
	"github.com/shadowcat-mcp/shadowcat/internal/service"
	"github.com/golang-jwt/jwt/v5"
)

var reverseCmd = &cobra.Command{
	Use:   "reverse",
	Short: "Run the reverse proxy: one HTTP listener load-balanced across several upstreams",
	Long: `Run Shadowcat in reverse-proxy mode.

A single Streamable HTTP listener load-balances across the upstreams
configured under "reverse.upstreams" (HTTP endpoints or pooled stdio
subprocesses), applying a per-upstream circuit breaker, optional sticky
sessions, and SSE reconnection with Last-Event-Id resumption on stream
breaks. Health, metrics, and the admin API share the listener.`,
	RunE: runReverse,
}

func init() {
	rootCmd.AddCommand(reverseCmd)
}

func runReverse(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if len(cfg.Reverse.Upstreams) == 0 {
		return fmt.Errorf("reverse mode requires at least one entry under reverse.upstreams")
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cbCfg, err := reverseproxy.BuildCircuitBreakerConfig(reverseproxy.CircuitBreakerSource{
		Enabled:          cfg.Reverse.CircuitBreaker.Enabled,
		FailureThreshold: cfg.Reverse.CircuitBreaker.FailureThreshold,
		CooldownPeriod:   cfg.Reverse.CircuitBreaker.CooldownPeriod,
		HalfOpenProbes:   cfg.Reverse.CircuitBreaker.HalfOpenProbes,
	})
	if err != nil {
		return fmt.Errorf("reverse.circuit_breaker: %w", err)
	}

	sources := make([]reverseproxy.UpstreamSource, len(cfg.Reverse.Upstreams))
	for i, u := range cfg.Reverse.Upstreams {
		sources[i] = reverseproxy.UpstreamSource{Name: u.Name, URL: u.URL, Command: u.Command, Args: u.Args, Weight: u.Weight}
	}
	registry := reverseproxy.BuildRegistry(sources, cbCfg)

	sessionTimeout, err := time.ParseDuration(cfg.Server.SessionTimeout)
	if err != nil || sessionTimeout <= 0 {
		sessionTimeout = session.DefaultTimeout
	}
	sessionStore := memory.NewSessionStore(sessionTimeout)
	sessionStore.StartCleanup(ctx)
	defer sessionStore.Stop()
	sessionManager := session.NewManager(sessionStore, session.Config{Timeout: sessionTimeout})

	interceptor, ruleInterceptor, limiter, err := buildReverseInterceptorChain(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build interceptor chain: %w", err)
	}
	if limiter != nil {
		limiter.StartCleanup(ctx)
		defer limiter.Stop()
	}
	if ruleInterceptor != nil {
		defer ruleInterceptor.Stop()
	}

	auditSvc, err := buildAuditService(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build audit service: %w", err)
	}
	var auditor reverseproxy.Auditor
	if auditSvc != nil {
		auditSvc.Start(context.Background())
		defer auditSvc.Stop()
		auditor = auditSvc
	}

	stdioFwd, stdioCleanup, err := buildStdioUpstreams(ctx, cfg, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to start stdio upstreams: %w", err)
	}
	if stdioCleanup != nil {
		defer stdioCleanup()
	}

	reconnect, err := buildReconnectConfig(cfg.Reverse.SSEReconnect)
	if err != nil {
		return fmt.Errorf("reverse.sse_reconnect: %w", err)
	}

	rp := reverseproxy.New(reverseproxy.Config{
		Registry: registry,
		Strategy: reverseproxy.Strategy(cfg.Reverse.Strategy),
		Sessions: sessionManager,
		Sticky: reverseproxy.StickyConfig{
			Enabled:             cfg.Reverse.StickySessions,
			RebalanceOnRecovery: cfg.Reverse.StickyRebalanceOnRecovery,
		},
		Reconnect:    reconnect,
		Interceptor:  interceptor,
		Stdio:        stdioFwd,
		MaxBodyBytes: cfg.Reverse.MaxBodyBytes,
		CORS:         cfg.Reverse.CORS,
		Audit:        auditor,
		Logger:       logger,
	})

	adminOpts := []admin.Option{admin.WithSessionManager(sessionManager)}
	if ruleInterceptor != nil {
		adminOpts = append(adminOpts, admin.WithRuleSource(ruleInterceptor))
	}
	if keySvc := buildAPIKeyService(cfg); keySvc != nil {
		adminOpts = append(adminOpts, admin.WithAPIKeyService(keySvc))
	}
	adminHandler := admin.New(logger, adminOpts...)

	healthChecker := httptransport.NewHealthChecker(sessionStore, limiter, auditSvc, Version)

	transport := httptransport.NewHTTPTransport(nil,
		httptransport.WithAddr(cfg.Server.HTTPAddr),
		httptransport.WithLogger(logger),
		httptransport.WithMCPHandler(rp),
		httptransport.WithHealthChecker(healthChecker),
		httptransport.WithExtraHandler(adminHandler),
	)

	logger.Info("reverse proxy listening",
		"addr", cfg.Server.HTTPAddr,
		"upstreams", len(sources),
		"strategy", strategyOrDefault(cfg.Reverse.Strategy))
	if err := transport.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reverse proxy: %w", err)
	}
	logger.Info("reverse proxy stopped")
	return nil
}

func strategyOrDefault(s string) string {
	if s == "" {
		return string(reverseproxy.StrategyRoundRobin)
	}
	return s
}

// buildReconnectConfig parses the duration-string fields of the SSE
// reconnection config into the reverseproxy package's typed form.
func buildReconnectConfig(src config.SSEReconnectConfig) (reverseproxy.ReconnectConfig, error) {
	out := reverseproxy.DefaultReconnectConfig()
	out.Enabled = src.Enabled
	if src.MaxRetries > 0 {
		out.MaxRetries = src.MaxRetries
	}
	if src.InitialBackoff != "" {
		d, err := time.ParseDuration(src.InitialBackoff)
		if err != nil {
			return out, fmt.Errorf("initial_backoff: %w", err)
		}
		out.InitialBackoff = d
	}
	if src.MaxBackoff != "" {
		d, err := time.ParseDuration(src.MaxBackoff)
		if err != nil {
			return out, fmt.Errorf("max_backoff: %w", err)
		}
		out.MaxBackoff = d
	}
	if src.Multiplier > 1 {
		out.Multiplier = src.Multiplier
	}
	if src.JitterFactor > 0 {
		out.JitterFactor = src.JitterFactor
	}
	return out, nil
}

// buildStdioUpstreams registers a pooled connection manager for every
// subprocess-backed reverse upstream, keyed by the same IDs the registry
// assigned, so the proxy's StdioForwarder round trips resolve. Returns a
// nil forwarder when every upstream is HTTP.
func buildStdioUpstreams(ctx context.Context, cfg *config.Config, registry *reverseproxy.Registry, logger *slog.Logger) (reverseproxy.StdioForwarder, func(), error) {
	store := memory.NewUpstreamStore()
	hasStdio := false
	for _, u := range registry.All() {
		if !u.IsStdio() {
			continue
		}
		hasStdio = true
		entry := &upstream.Upstream{
			ID:      u.ID,
			Name:    u.Name,
			Type:    upstream.UpstreamTypeStdio,
			Enabled: true,
			Command: u.Command,
			Args:    u.Args,
		}
		if err := store.Add(ctx, entry); err != nil {
			return nil, nil, err
		}
	}
	if !hasStdio {
		return nil, nil, nil
	}

	upstreamService := service.NewUpstreamService(store, nil, logger)
	manager := service.NewUpstreamManager(upstreamService, defaultClientFactory, poolConfigFrom(cfg), logger)
	if err := manager.StartAll(ctx); err != nil {
		_ = manager.Close()
		return nil, nil, err
	}
	return manager, func() { _ = manager.Close() }, nil
}

// buildReverseInterceptorChain wires the reverse-proxy's pre-forwarding
// interceptor chain outer to inner: global rate limit, per-IP rate limit,
// authentication, per-principal rate limit, rule engine, passthrough.
// Proxy itself is the terminal consumer of the chain's output; it owns the
// actual upstream round trip since that step produces a stream, not a
// single envelope. Returns the rule interceptor and rate limiter handles
// (nil when not configured) so the caller can wire the admin surface,
// health checks, and cleanup.
func buildReverseInterceptorChain(ctx context.Context, cfg *config.Config, logger *slog.Logger) (proxy.MessageInterceptor, *proxy.RuleInterceptor, *memory.MemoryRateLimiter, error) {
	var chain proxy.MessageInterceptor = proxy.NewPassthroughInterceptor()
	var ruleInterceptor *proxy.RuleInterceptor
	var limiter *memory.MemoryRateLimiter

	if cfg.RuleFile != "" {
		evaluator, err := celeval.NewEvaluator()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cel evaluator: %w", err)
		}
		ruleInterceptor = proxy.NewRuleInterceptor(rule.EmptyEngine(), evaluator, chain, logger)
		if cfg.RuleAutoReload {
			if err := ruleInterceptor.WatchFile(ctx, cfg.RuleFile); err != nil {
				return nil, nil, nil, fmt.Errorf("load rule file %q: %w", cfg.RuleFile, err)
			}
		} else if err := ruleInterceptor.LoadFile(cfg.RuleFile); err != nil {
			return nil, nil, nil, fmt.Errorf("load rule file %q: %w", cfg.RuleFile, err)
		}
		chain = ruleInterceptor
	}

	if cfg.RateLimit.Enabled {
		limiter = memory.NewRateLimiter()
		userCfg := ratelimit.RateLimitConfig{Rate: cfg.RateLimit.UserRate, Burst: cfg.RateLimit.UserRate, Period: time.Minute}
		chain = proxy.NewUserRateLimitInterceptor(limiter, userCfg, chain, logger)
	}

	if len(cfg.Auth.Identities) > 0 || cfg.Auth.JWT.Enabled {
		chain = proxy.NewAuthInterceptor(buildAPIKeyService(cfg), buildJWTValidator(cfg), chain, logger)
	}

	if cfg.RateLimit.Enabled {
		ipCfg := ratelimit.RateLimitConfig{Rate: cfg.RateLimit.IPRate, Burst: cfg.RateLimit.IPRate, Period: time.Minute}
		chain = proxy.NewIPRateLimitInterceptor(limiter, ipCfg, chain, logger)
	}

	if cfg.Reverse.GlobalRate.Enabled {
		chain = proxy.NewGlobalRateLimitInterceptor(cfg.Reverse.GlobalRate.Rate, cfg.Reverse.GlobalRate.Burst, chain, logger)
	}

	return chain, ruleInterceptor, limiter, nil
}

// buildAPIKeyService seeds an in-memory auth store from the config file's
// identities and API keys and wraps it in an APIKeyService. Returns nil
// when no identities are configured, disabling the API-key credential
// form without disabling JWT.
func buildAPIKeyService(cfg *config.Config) *auth.APIKeyService {
	if len(cfg.Auth.Identities) == 0 {
		return nil
	}
	store := memory.NewAuthStore()
	for _, id := range cfg.Auth.Identities {
		roles := make([]auth.Role, 0, len(id.Roles))
		for _, r := range id.Roles {
			roles = append(roles, auth.Role(r))
		}
		store.SeedIdentity(auth.Identity{ID: id.ID, Name: id.Name, Roles: roles})
	}
	for _, k := range cfg.Auth.APIKeys {
		store.SeedAPIKey(k.KeyHash, k.IdentityID)
	}
	return auth.NewAPIKeyService(store)
}

// buildJWTValidator returns a JWTValidator backed by a JWKS cache when
// cfg.Auth.JWT.Enabled, or nil to disable the JWT credential form.
func buildJWTValidator(cfg *config.Config) *auth.JWTValidator {
	if !cfg.Auth.JWT.Enabled {
		return nil
	}
	ttl := 15 * time.Minute
	if cfg.Auth.JWT.CacheTTL != "" {
		if parsed, err := time.ParseDuration(cfg.Auth.JWT.CacheTTL); err == nil && parsed > 0 {
			ttl = parsed
		}
	}
	jwks := auth.NewJWKSCache(cfg.Auth.JWT.JWKSURI, ttl)
	jwtCfg := auth.JWTConfig{
		Issuer:    cfg.Auth.JWT.Issuer,
		Audience:  cfg.Auth.JWT.Audience,
		Algorithm: cfg.Auth.JWT.Algorithm,
	}
	roleClaims := func(claims jwt.MapClaims) []auth.Role {
		raw, ok := claims["roles"].([]interface{})
		if !ok {
			return nil
		}
		roles := make([]auth.Role, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, auth.Role(s))
			}
		}
		return roles
	}
	return auth.NewJWTValidator(jwtCfg, jwks, roleClaims)
}

// buildAuditService builds the background audit recorder named by
// cfg.Audit.Output: "stdout" (really: in-memory ring buffer, exposed
// through the same admin/debug surface as a durable backend) or
// "file://<dir>" for JSON-Lines file persistence under cfg.AuditFile. It
// returns nil when Output is empty, leaving audit recording disabled.
func buildAuditService(cfg *config.Config, logger *slog.Logger) (*service.AuditService, error) {
	output := cfg.Audit.Output
	if output == "" {
		return nil, nil
	}

	var store audit.Store

	switch {
	case output == "stdout":
		bufferSize := cfg.Audit.BufferSize
		if bufferSize <= 0 {
			bufferSize = memory.DefaultAuditCapacity
		}
		store = memory.NewAuditStoreWithCapacity(bufferSize)
	case strings.HasPrefix(output, "file://"):
		dir := cfg.AuditFile.Dir
		if dir == "" {
			dir = strings.TrimPrefix(output, "file://")
		}
		fileStore, err := auditfile.New(auditfile.Config{
			Dir:           dir,
			RetentionDays: cfg.AuditFile.RetentionDays,
			MaxFileSizeMB: cfg.AuditFile.MaxFileSizeMB,
			CacheSize:     cfg.AuditFile.CacheSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("audit file store: %w", err)
		}
		store = fileStore
	default:
		return nil, fmt.Errorf("unsupported audit output %q", output)
	}

	opts := []service.AuditServiceOption{}
	if cfg.Audit.ChannelSize > 0 {
		opts = append(opts, service.WithChannelSize(cfg.Audit.ChannelSize))
	}
	if cfg.Audit.SendTimeout != "" {
		if d, err := time.ParseDuration(cfg.Audit.SendTimeout); err == nil {
			opts = append(opts, service.WithSendTimeout(d))
		}
	}
	return service.NewAuditService(store, logger, opts...), nil
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowcat-mcp/shadowcat/internal/adapter/inbound/stdio"
	celeval "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/cel"
	mcpclient "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/mcp"
	"github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/memory"
	"github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/state"
	"github.com/shadowcat-mcp/shadowcat/internal/config"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/proxy"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/rule"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
	"github.com/shadowcat-mcp/shadowcat/internal/pool"
	"github.com/shadowcat-mcp/shadowcat/internal/port/outbound"
	"github.com/shadowcat-mcp/shadowcat/internal/service"
)

var forwardCmd = &cobra.Command{
	Use:   "forward [-- command [args...]]",
	Short: "Run the forward proxy: one local client piped to one upstream",
	Long: `Run Shadowcat in forward-proxy mode.

Reads JSON-RPC frames from stdin, applies the interceptor chain (rule
engine, when rule_file is configured), and relays them to a single
upstream MCP server over stdio or HTTP, writing the upstream's replies
back to stdout.

With no upstream configured, forward mode falls back to the
multi-upstream router: upstreams come from state.json, their tools are
discovered and aggregated, and tools/call requests are routed to the
owning upstream through its connection pool.

Examples:
  shadowcat forward -- npx @modelcontextprotocol/server-filesystem /tmp
  shadowcat forward   # upstream.http from the config file, or state.json`,
	RunE: runForward,
}

func init() {
	rootCmd.AddCommand(forwardCmd)
}

func runForward(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if len(args) > 0 {
		cfg.Upstream.Command = args[0]
		cfg.Upstream.Args = args[1:]
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Server.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var client outbound.MCPClient
	terminal := proxy.MessageInterceptor(proxy.NewPassthroughInterceptor())

	switch {
	case cfg.Upstream.Command != "":
		client = mcpclient.NewStdioClient(cfg.Upstream.Command, cfg.Upstream.Args...)
	case cfg.Upstream.HTTP != "":
		client = mcpclient.NewHTTPClient(cfg.Upstream.HTTP)
	default:
		// Multi-upstream router mode: upstreams from state.json, routed by
		// tool name through per-upstream connection pools.
		router, cleanup, err := buildUpstreamRouter(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		terminal = router
	}

	interceptor, err := buildForwardInterceptorChain(cfg, terminal, logger)
	if err != nil {
		return fmt.Errorf("failed to build interceptor chain: %w", err)
	}

	svc := service.NewProxyService(client, interceptor, logger)
	transport := stdio.NewStdioTransport(svc)

	logger.Info("forward proxy starting", "upstream_command", cfg.Upstream.Command, "upstream_http", cfg.Upstream.HTTP)
	if err := transport.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("forward proxy: %w", err)
	}
	logger.Info("forward proxy stopped")
	return nil
}

// buildUpstreamRouter wires state.json-configured upstreams behind
// per-upstream connection pools, discovers their tools, and returns the
// routing interceptor plus a cleanup func that terminates the children.
func buildUpstreamRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*proxy.UpstreamRouter, func(), error) {
	statePath := stateFilePath
	if statePath == "" {
		statePath = "state.json"
	}
	stateStore := state.NewFileStateStore(statePath, logger)
	appState, err := stateStore.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load state: %w", err)
	}
	if len(appState.Upstreams) == 0 {
		return nil, nil, fmt.Errorf("forward mode requires upstream.command, upstream.http, or upstreams in %s", statePath)
	}

	upstreamService := service.NewUpstreamService(memory.NewUpstreamStore(), stateStore, logger)
	if err := upstreamService.LoadFromState(ctx, appState); err != nil {
		return nil, nil, fmt.Errorf("load upstreams from state: %w", err)
	}

	manager := service.NewUpstreamManager(upstreamService, defaultClientFactory, poolConfigFrom(cfg), logger)
	if err := manager.StartAll(ctx); err != nil {
		_ = manager.Close()
		return nil, nil, fmt.Errorf("start upstreams: %w", err)
	}

	cache := upstream.NewToolCache()
	discovery := service.NewToolDiscovery(upstreamService, manager, cache, logger)
	discovery.DiscoverAll(ctx)

	router := proxy.NewUpstreamRouter(proxy.NewToolCacheAdapter(cache), manager, logger)
	cleanup := func() { _ = manager.Close() }
	return router, cleanup, nil
}

// defaultClientFactory maps an upstream config onto the matching outbound
// transport adapter.
func defaultClientFactory(u *upstream.Upstream) (outbound.MCPClient, error) {
	switch u.Type {
	case upstream.UpstreamTypeStdio:
		return mcpclient.NewStdioClient(u.Command, u.Args...), nil
	case upstream.UpstreamTypeHTTP:
		return mcpclient.NewHTTPClient(u.URL), nil
	default:
		return nil, fmt.Errorf("unsupported upstream type %q", u.Type)
	}
}

// poolConfigFrom translates the configuration's pool section into the
// pool package's Config, falling back to defaults on unset fields.
func poolConfigFrom(cfg *config.Config) pool.Config {
	poolCfg := pool.DefaultConfig()
	if cfg.Pool.MaxConnections > 0 {
		poolCfg.MaxSize = int64(cfg.Pool.MaxConnections)
	}
	if d, err := time.ParseDuration(cfg.Pool.AcquireTimeout); err == nil && d > 0 {
		poolCfg.AcquireTimeout = d
	}
	if d, err := time.ParseDuration(cfg.Pool.IdleTimeout); err == nil && d > 0 {
		poolCfg.IdleTimeout = d
	}
	return poolCfg
}

// buildForwardInterceptorChain wraps terminal with the rule engine when a
// rule file is configured.
func buildForwardInterceptorChain(cfg *config.Config, terminal proxy.MessageInterceptor, logger *slog.Logger) (proxy.MessageInterceptor, error) {
	chain := terminal
	if cfg.RuleFile == "" {
		return chain, nil
	}

	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("cel evaluator: %w", err)
	}
	ruleInterceptor := proxy.NewRuleInterceptor(rule.EmptyEngine(), evaluator, chain, logger)
	if cfg.RuleAutoReload {
		if err := ruleInterceptor.WatchFile(context.Background(), cfg.RuleFile); err != nil {
			return nil, fmt.Errorf("load rule file %q: %w", cfg.RuleFile, err)
		}
	} else {
		if err := ruleInterceptor.LoadFile(cfg.RuleFile); err != nil {
			return nil, fmt.Errorf("load rule file %q: %w", cfg.RuleFile, err)
		}
	}
	return ruleInterceptor, nil
}

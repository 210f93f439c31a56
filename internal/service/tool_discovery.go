package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// ToolDiscovery performs the MCP handshake against each managed upstream
// and populates the shared ToolCache with the tools it advertises, so the
// router can aggregate tools/list and route tools/call without another
// upstream round trip.
type ToolDiscovery struct {
	upstreamService *UpstreamService
	manager         *UpstreamManager
	cache           *upstream.ToolCache
	logger          *slog.Logger
}

// NewToolDiscovery builds a ToolDiscovery over the given manager and cache.
func NewToolDiscovery(upstreamService *UpstreamService, manager *UpstreamManager, cache *upstream.ToolCache, logger *slog.Logger) *ToolDiscovery {
	return &ToolDiscovery{
		upstreamService: upstreamService,
		manager:         manager,
		cache:           cache,
		logger:          logger,
	}
}

// DiscoverAll runs discovery against every enabled upstream. Per-upstream
// failures are logged and skipped; an upstream with no discoverable tools
// simply contributes nothing to the cache.
func (d *ToolDiscovery) DiscoverAll(ctx context.Context) {
	upstreams, err := d.upstreamService.List(ctx)
	if err != nil {
		d.logger.Error("tool discovery: list upstreams", "error", err)
		return
	}
	for i := range upstreams {
		u := upstreams[i]
		if !u.Enabled {
			continue
		}
		if err := d.Discover(ctx, &u); err != nil {
			d.logger.Warn("tool discovery failed", "upstream", u.ID, "name", u.Name, "error", err)
			continue
		}
		d.logger.Info("tools discovered", "upstream", u.ID, "name", u.Name, "count", len(d.cache.GetToolsByUpstream(u.ID)))
	}
}

// Discover leases one connection to u and walks the MCP handshake:
// initialize, notifications/initialized, tools/list.
func (d *ToolDiscovery) Discover(ctx context.Context, u *upstream.Upstream) error {
	lease, err := d.manager.Acquire(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer lease.Release()

	if _, err := d.exchange(lease, mcp.NewRequest(json.RawMessage(`"discover-init"`), "initialize", json.RawMessage(`{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"shadowcat","version":"1.0.0"}}`))); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	initialized := mcp.NewNotification("notifications/initialized", nil)
	data, err := mcp.EncodeProtocolMessage(initialized)
	if err != nil {
		return err
	}
	if err := lease.WriteFrame(data); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	resp, err := d.exchange(lease, mcp.NewRequest(json.RawMessage(`"discover-tools"`), "tools/list", nil))
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("tools/list: %w", resp.Error)
	}

	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("tools/list result: %w", err)
	}

	now := time.Now()
	discovered := make([]*upstream.DiscoveredTool, 0, len(result.Tools))
	for _, t := range result.Tools {
		discovered = append(discovered, &upstream.DiscoveredTool{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			UpstreamID:   u.ID,
			UpstreamName: u.Name,
			DiscoveredAt: now,
		})
	}
	d.cache.SetToolsForUpstream(u.ID, discovered)
	return nil
}

// exchange sends one request frame on the lease and decodes the response.
func (d *ToolDiscovery) exchange(lease *UpstreamLease, req *mcp.ProtocolMessage) (*mcp.ProtocolMessage, error) {
	data, err := mcp.EncodeProtocolMessage(req)
	if err != nil {
		return nil, err
	}
	if err := lease.WriteFrame(data); err != nil {
		return nil, err
	}
	respData, err := lease.ReadFrame()
	if err != nil {
		return nil, err
	}
	return mcp.DecodeProtocolMessage(respData)
}

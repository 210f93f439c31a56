package upstream

import (
	"encoding/json"
	"sync"
	"time"
)

// DiscoveredTool is one tool advertised by an upstream MCP server, cached
// so the router can answer tools/list locally and route tools/call to the
// owning upstream.
type DiscoveredTool struct {
	// Name is the tool's unique identifier.
	Name string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the JSON Schema for the tool's parameters.
	InputSchema json.RawMessage
	// UpstreamID identifies which upstream this tool was discovered from.
	UpstreamID string
	// UpstreamName is the human-readable name of the upstream.
	UpstreamName string
	// DiscoveredAt records when this tool was discovered.
	DiscoveredAt time.Time
}

const (
	// MaxToolsPerUpstream bounds how many tools a single upstream can
	// register, preventing memory exhaustion from a misbehaving upstream.
	MaxToolsPerUpstream = 1000

	// MaxTotalTools bounds the total across all upstreams.
	MaxTotalTools = 10000
)

// ToolCache is thread-safe storage for discovered tools, indexed by tool
// name (for routing) and by upstream ID (for refresh/removal). First
// registration wins on a name collision; the later upstream's duplicate is
// dropped.
type ToolCache struct {
	mu         sync.RWMutex
	tools      map[string]*DiscoveredTool
	byUpstream map[string][]*DiscoveredTool
}

// NewToolCache creates an empty ToolCache.
func NewToolCache() *ToolCache {
	return &ToolCache{
		tools:      make(map[string]*DiscoveredTool),
		byUpstream: make(map[string][]*DiscoveredTool),
	}
}

// SetToolsForUpstream replaces all tools for the given upstream,
// truncating to MaxToolsPerUpstream and respecting the global cap.
func (c *ToolCache) SetToolsForUpstream(upstreamID string, tools []*DiscoveredTool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tools) > MaxToolsPerUpstream {
		tools = tools[:MaxToolsPerUpstream]
	}

	// Drop the upstream's previous tools from the name index.
	for _, t := range c.byUpstream[upstreamID] {
		if existing, ok := c.tools[t.Name]; ok && existing.UpstreamID == upstreamID {
			delete(c.tools, t.Name)
		}
	}

	c.byUpstream[upstreamID] = tools
	for _, t := range tools {
		if len(c.tools) >= MaxTotalTools {
			break
		}
		if _, taken := c.tools[t.Name]; taken {
			continue
		}
		c.tools[t.Name] = t
	}
}

// GetTool looks up a tool by name.
func (c *ToolCache) GetTool(name string) (*DiscoveredTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tools[name]
	return t, ok
}

// GetAllTools returns all cached tools.
func (c *ToolCache) GetAllTools() []*DiscoveredTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*DiscoveredTool, 0, len(c.tools))
	for _, t := range c.tools {
		result = append(result, t)
	}
	return result
}

// GetToolsByUpstream returns a copy of the upstream's tool list.
func (c *ToolCache) GetToolsByUpstream(upstreamID string) []*DiscoveredTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := c.byUpstream[upstreamID]
	if tools == nil {
		return nil
	}
	result := make([]*DiscoveredTool, len(tools))
	copy(result, tools)
	return result
}

// RemoveUpstream removes all tools for an upstream from the cache.
func (c *ToolCache) RemoveUpstream(upstreamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.byUpstream[upstreamID] {
		if existing, ok := c.tools[t.Name]; ok && existing.UpstreamID == upstreamID {
			delete(c.tools, t.Name)
		}
	}
	delete(c.byUpstream, upstreamID)
}

// Count returns the total number of cached tools.
func (c *ToolCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.tools)
}

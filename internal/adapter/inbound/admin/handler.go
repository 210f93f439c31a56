// Package admin provides the auth-gated internal HTTP surface for
// inspecting the running proxy: the active rule set, live sessions, and
// configured upstreams. It is mounted under /admin by the HTTP transport.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/rule"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
)

// RuleSource exposes the active rule set. Satisfied by
// *proxy.RuleInterceptor.
type RuleSource interface {
	ActiveRules() []rule.Rule
}

// UpstreamSource exposes configured upstreams. Satisfied by
// *service.UpstreamService.
type UpstreamSource interface {
	List(ctx context.Context) ([]upstream.Upstream, error)
}

// Handler serves the /admin routes. Every route requires an API key whose
// identity carries the admin role, unless no key service is configured
// (development mode, where the listener is bound to localhost).
type Handler struct {
	rules     RuleSource
	sessions  *session.Manager
	upstreams UpstreamSource
	keys      *auth.APIKeyService
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithRuleSource exposes the rule set at GET /admin/rules.
func WithRuleSource(src RuleSource) Option {
	return func(h *Handler) { h.rules = src }
}

// WithSessionManager exposes sessions at GET/DELETE /admin/sessions.
func WithSessionManager(m *session.Manager) Option {
	return func(h *Handler) { h.sessions = m }
}

// WithUpstreamSource exposes upstreams at GET /admin/upstreams.
func WithUpstreamSource(src UpstreamSource) Option {
	return func(h *Handler) { h.upstreams = src }
}

// WithAPIKeyService gates every route behind admin-role API keys.
func WithAPIKeyService(svc *auth.APIKeyService) Option {
	return func(h *Handler) { h.keys = svc }
}

// New builds an admin Handler.
func New(logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler for everything under /admin.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/admin")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "/rules" && r.Method == http.MethodGet:
		h.listRules(w, r)
	case path == "/sessions" && r.Method == http.MethodGet:
		h.listSessions(w, r)
	case strings.HasPrefix(path, "/sessions/") && r.Method == http.MethodDelete:
		h.deleteSession(w, r, strings.TrimPrefix(path, "/sessions/"))
	case path == "/upstreams" && r.Method == http.MethodGet:
		h.listUpstreams(w, r)
	default:
		http.NotFound(w, r)
	}
}

// authorize enforces the admin-role API key requirement. Returns false
// after writing the error response when the request is rejected.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.keys == nil {
		return true
	}

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return false
	}

	identity, err := h.keys.Validate(r.Context(), raw)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return false
	}
	if !identity.HasRole(auth.RoleAdmin) {
		http.Error(w, "admin role required", http.StatusForbidden)
		return false
	}
	return true
}

// ruleView is the serialized shape of one active rule.
type ruleView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	Priority    int      `json:"priority"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (h *Handler) listRules(w http.ResponseWriter, _ *http.Request) {
	if h.rules == nil {
		writeJSON(w, map[string]any{"rules": []ruleView{}})
		return
	}
	rules := h.rules.ActiveRules()
	views := make([]ruleView, 0, len(rules))
	for _, r := range rules {
		views = append(views, ruleView{
			ID:          r.ID,
			Name:        r.Name,
			Enabled:     r.Enabled,
			Priority:    r.Priority,
			Description: r.Description,
			Tags:        r.Tags,
		})
	}
	writeJSON(w, map[string]any{"rules": views})
}

// sessionView is the serialized shape of one live session.
type sessionView struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	ProtocolVersion  string    `json:"protocol_version,omitempty"`
	LastEventID      string    `json:"last_event_id,omitempty"`
	StickyUpstreamID string    `json:"sticky_upstream_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeJSON(w, map[string]any{"count": 0, "sessions": []sessionView{}})
		return
	}
	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:               s.ID,
			State:            s.State.String(),
			ProtocolVersion:  s.ProtocolVersion,
			LastEventID:      s.LastEventID,
			StickyUpstreamID: s.StickyUpstreamID,
			CreatedAt:        s.CreatedAt,
			LastActivity:     s.LastActivity,
		})
	}
	writeJSON(w, map[string]any{"count": len(views), "sessions": views})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request, id string) {
	if h.sessions == nil || id == "" {
		http.NotFound(w, r)
		return
	}
	if err := h.sessions.Close(r.Context(), id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// upstreamView is the serialized shape of one configured upstream.
type upstreamView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Command string `json:"command,omitempty"`
}

func (h *Handler) listUpstreams(w http.ResponseWriter, r *http.Request) {
	if h.upstreams == nil {
		writeJSON(w, map[string]any{"upstreams": []upstreamView{}})
		return
	}
	upstreams, err := h.upstreams.List(r.Context())
	if err != nil {
		http.Error(w, "failed to list upstreams", http.StatusInternalServerError)
		return
	}
	views := make([]upstreamView, 0, len(upstreams))
	for _, u := range upstreams {
		views = append(views, upstreamView{
			ID:      u.ID,
			Name:    u.Name,
			Type:    string(u.Type),
			Enabled: u.Enabled,
			URL:     u.URL,
			Command: u.Command,
		})
	}
	writeJSON(w, map[string]any{"upstreams": views})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/service"
)

// markerHandler returns an http.Handler that writes a specific marker string.
// Used in routing tests to verify which handler received the request.
func markerHandler(marker string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", marker)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, marker)
	})
}

// newTestTransport creates an HTTPTransport with minimal dependencies for routing tests.
func newTestTransport(t *testing.T, opts ...Option) *HTTPTransport {
	t.Helper()
	logger := slog.Default()

	// Create a minimal proxy service (nil client is fine for routing tests;
	// we never actually process MCP messages).
	proxyService := service.NewProxyService(nil, nil, logger)

	base := []Option{
		WithAddr(":0"), // Use any available port
		WithLogger(logger),
		WithExtraHandler(markerHandler("admin")),
	}
	return NewHTTPTransport(proxyService, append(base, opts...)...)
}

// startTestServer starts the transport's routing mux on a random port and
// returns the base URL and a cleanup function. Mirrors the mux Start()
// builds, without the Prometheus middleware, to keep tests focused on
// routing.
func startTestServer(t *testing.T, transport *HTTPTransport) (baseURL string, cleanup func()) {
	t.Helper()

	mux := http.NewServeMux()

	// Admin routes
	if transport.extraHandler != nil {
		mux.Handle("/admin/", transport.extraHandler)
		mux.Handle("/admin", transport.extraHandler)
	}

	// Health
	mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}))

	// Favicon
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// MCP handler marker (real handler has the middleware chain around it)
	mcpMarker := transport.mcpOverride
	if mcpMarker == nil {
		mcpMarker = markerHandler("mcp")
	}
	mux.Handle("/mcp", mcpMarker)
	mux.Handle("/mcp/", mcpMarker)

	// Catch-all mirrors Start(): "/" reaches MCP, everything else 404s.
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			mcpMarker.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	server := httptest.NewServer(mux)
	return server.URL, server.Close
}

func TestRouting_MCPRoute(t *testing.T) {
	transport := newTestTransport(t)
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	resp, err := http.Get(baseURL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	handler := resp.Header.Get("X-Handler")
	if handler != "mcp" {
		t.Errorf("GET /mcp reached handler %q, want %q", handler, "mcp")
	}
}

func TestRouting_MCPRouteTrailingSlash(t *testing.T) {
	transport := newTestTransport(t)
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	resp, err := http.Get(baseURL + "/mcp/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	handler := resp.Header.Get("X-Handler")
	if handler != "mcp" {
		t.Errorf("GET /mcp/ reached handler %q, want %q", handler, "mcp")
	}
}

func TestRouting_AdminRoute(t *testing.T) {
	transport := newTestTransport(t)
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	resp, err := http.Get(baseURL + "/admin/rules")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	handler := resp.Header.Get("X-Handler")
	if handler != "admin" {
		t.Errorf("GET /admin/rules reached handler %q, want %q", handler, "admin")
	}
}

func TestRouting_HealthRoute(t *testing.T) {
	transport := newTestTransport(t)
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRouting_UnknownPathNotFound(t *testing.T) {
	transport := newTestTransport(t)
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	paths := []string{"/some/api/path", "/v1/chat/completions", "/proxy/endpoint"}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(baseURL + path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusNotFound)
			}
		})
	}
}

func TestRouting_MCPOverride(t *testing.T) {
	transport := newTestTransport(t, WithMCPHandler(markerHandler("reverse")))
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	resp, err := http.Get(baseURL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	handler := resp.Header.Get("X-Handler")
	if handler != "reverse" {
		t.Errorf("GET /mcp with override reached handler %q, want %q", handler, "reverse")
	}
}

func TestRouting_TableDriven(t *testing.T) {
	tests := []struct {
		name            string
		path            string
		expectedHandler string
		expectedStatus  int
	}{
		{"MCP explicit", "/mcp", "mcp", http.StatusOK},
		{"MCP trailing slash", "/mcp/", "mcp", http.StatusOK},
		{"MCP subpath", "/mcp/some/sub", "mcp", http.StatusOK},
		{"Admin", "/admin/", "admin", http.StatusOK},
		{"Admin sessions", "/admin/sessions", "admin", http.StatusOK},
		{"Root reaches MCP", "/", "mcp", http.StatusOK},
		{"Unknown path 404s", "/api/v1/data", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newTestTransport(t)
			baseURL, cleanup := startTestServer(t, transport)
			defer cleanup()

			resp, err := http.Get(baseURL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.expectedStatus)
			}
			handler := resp.Header.Get("X-Handler")
			if handler != tt.expectedHandler {
				t.Errorf("GET %s reached handler %q, want %q", tt.path, handler, tt.expectedHandler)
			}
		})
	}
}

func TestWithMCPHandler_Option(t *testing.T) {
	handler := markerHandler("test-reverse")
	transport := &HTTPTransport{}
	opt := WithMCPHandler(handler)
	opt(transport)

	if transport.mcpOverride == nil {
		t.Fatal("WithMCPHandler did not set mcpOverride")
	}
}

func TestTransport_StartAndShutdown(t *testing.T) {
	// Integration test: verify the real Start() method builds the mux correctly.
	// We start the transport, make a request to /health, then shut down.
	logger := slog.Default()
	proxyService := service.NewProxyService(nil, nil, logger)

	transport := NewHTTPTransport(proxyService,
		WithAddr("127.0.0.1:0"),
		WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.Start(ctx)
	}()

	// Give the server a moment to start
	time.Sleep(100 * time.Millisecond)

	// Cancel context to trigger shutdown
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5 seconds after cancel")
	}
}

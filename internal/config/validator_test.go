package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{HTTP: "http://localhost:3000/mcp"},
		Auth: AuthConfig{
			Identities: []IdentityConfig{{ID: "user-1", Name: "Test", Roles: []string{"user"}}},
			APIKeys:    []APIKeyConfig{{KeyHash: "sha256:abc123", IdentityID: "user-1"}},
		},
		Audit: AuditConfig{Output: "stdout"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_NoUpstream_ReverseMode(t *testing.T) {
	t.Parallel()

	// No forward upstream is valid -- reverse mode configures upstreams
	// under reverse.upstreams instead.
	cfg := minimalValidConfig()
	cfg.Upstream.HTTP = ""
	cfg.Upstream.Command = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with no forward upstream unexpected error: %v", err)
	}
}

func TestHasForwardUpstream(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if cfg.HasForwardUpstream() {
		t.Error("HasForwardUpstream() = true, want false for empty config")
	}

	cfg.Upstream.HTTP = "http://localhost:3000/mcp"
	if !cfg.HasForwardUpstream() {
		t.Error("HasForwardUpstream() = false, want true with HTTP set")
	}

	cfg.Upstream.HTTP = ""
	cfg.Upstream.Command = "/usr/bin/mcp-server"
	if !cfg.HasForwardUpstream() {
		t.Error("HasForwardUpstream() = false, want true with Command set")
	}
}

func TestValidate_BothUpstreams(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Upstream.HTTP = "http://localhost:3000/mcp"
	cfg.Upstream.Command = "/usr/bin/mcp-server"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "not both") {
		t.Errorf("error = %q, want to contain 'not both'", err.Error())
	}
}

func TestValidate_InvalidAuditOutput(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Audit.Output = "invalid"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	// Error message contains "Audit.Output" and mentions valid formats
	errStr := err.Error()
	if !strings.Contains(errStr, "Audit.Output") {
		t.Errorf("error = %q, want to contain 'Audit.Output'", errStr)
	}
}

func TestValidate_ValidAuditOutputStdout(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Audit.Output = "stdout"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with stdout unexpected error: %v", err)
	}
}

func TestValidate_ValidAuditOutputFile(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Audit.Output = "file:///var/log/shadowcat"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with file:// unexpected error: %v", err)
	}
}

func TestValidate_InvalidAuditOutputRelativePath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Audit.Output = "file://relative/path"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for relative path, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "Audit.Output") {
		t.Errorf("error = %q, want to contain 'Audit.Output'", errStr)
	}
}

func TestValidate_UnknownIdentityReference(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.APIKeys[0].IdentityID = "unknown-user"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for unknown identity, got nil")
	}
	if !strings.Contains(err.Error(), "unknown identity_id") {
		t.Errorf("error = %q, want to contain 'unknown identity_id'", err.Error())
	}
}

func TestValidate_MissingIdentities(t *testing.T) {
	t.Parallel()

	// Empty identities is valid (anonymous mode -- auth disabled).
	cfg := minimalValidConfig()
	cfg.Auth.Identities = nil
	cfg.Auth.APIKeys = nil // Also clear API keys (no dangling refs)

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with empty auth unexpected error: %v", err)
	}
}

func TestValidate_InvalidKeyHashPrefix(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.APIKeys[0].KeyHash = "abc123" // Missing sha256: prefix

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing sha256: prefix, got nil")
	}
	if !strings.Contains(err.Error(), "sha256:") {
		t.Errorf("error = %q, want to contain 'sha256:'", err.Error())
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// Simulate a user running "shadowcat reverse" with no config file at all.
	cfg := &Config{}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() zero-config unexpected error: %v", err)
	}
}

func TestValidate_CommandUpstream(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Upstream.HTTP = ""
	cfg.Upstream.Command = "/usr/bin/mcp-server"
	cfg.Upstream.Args = []string{"--port", "3000"}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with command upstream unexpected error: %v", err)
	}
}

func TestValidate_EmptyRoles(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.Identities[0].Roles = nil

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for empty roles, got nil")
	}
}

func TestValidate_ReverseUpstreamBothTransports(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Reverse.Upstreams = []ReverseUpstreamConfig{
		{Name: "u1", URL: "http://localhost:3001/mcp", Command: "/usr/bin/mcp-server"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for url+command upstream, got nil")
	}
	if !strings.Contains(err.Error(), "url OR command") {
		t.Errorf("error = %q, want to contain 'url OR command'", err.Error())
	}
}

func TestValidate_ReverseUpstreamNeitherTransport(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Reverse.Upstreams = []ReverseUpstreamConfig{{Name: "u1"}}

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for upstream with no transport, got nil")
	}
}

func TestValidate_ReverseUpstreamDuplicateNames(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Reverse.Upstreams = []ReverseUpstreamConfig{
		{Name: "u1", URL: "http://localhost:3001/mcp"},
		{Name: "u1", URL: "http://localhost:3002/mcp"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for duplicate upstream names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate name") {
		t.Errorf("error = %q, want to contain 'duplicate name'", err.Error())
	}
}

func TestValidate_InvalidStrategy(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Reverse.Strategy = "fastest_first"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for unknown strategy, got nil")
	}
	if !strings.Contains(err.Error(), "one of") {
		t.Errorf("error = %q, want to contain 'one of'", err.Error())
	}
}

func TestValidate_InvalidDuration(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Pool.AcquireTimeout = "ten seconds"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "pool.acquire_timeout") {
		t.Errorf("error = %q, want to contain 'pool.acquire_timeout'", err.Error())
	}
}

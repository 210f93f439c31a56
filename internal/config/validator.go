package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers Shadowcat-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// audit_output: validates "stdout" or "file://<absolute-path>"
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates the audit output field.
// Valid values: "stdout" or "file://<absolute-path>"
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	// "stdout" is always valid
	if output == "stdout" {
		return true
	}

	// "file://<path>" requires an absolute path
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}

	return false
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	// Create validator with required struct enabled
	v := validator.New(validator.WithRequiredStructEnabled())

	// Register custom validators
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: Upstream mutual exclusion
	if err := c.validateUpstreamMutualExclusion(); err != nil {
		return err
	}

	// Cross-field validation: reverse upstream shapes
	if err := c.validateReverseUpstreams(); err != nil {
		return err
	}

	// Cross-field validation: Identity reference integrity
	if err := c.validateIdentityReferences(); err != nil {
		return err
	}

	// Duration strings are parsed at wiring time; catch typos here where
	// the error message can still name the YAML key.
	if err := c.validateDurations(); err != nil {
		return err
	}

	return nil
}

// validateUpstreamMutualExclusion ensures at most one of HTTP or Command is
// set for the forward-mode upstream.
func (c *Config) validateUpstreamMutualExclusion() error {
	hasHTTP := c.Upstream.HTTP != ""
	hasCommand := c.Upstream.Command != ""

	if hasHTTP && hasCommand {
		return errors.New("upstream: specify http OR command, not both")
	}

	// Both empty is OK -- reverse mode configures upstreams under reverse.upstreams.
	return nil
}

// HasForwardUpstream returns true if a forward-mode upstream is configured.
func (c *Config) HasForwardUpstream() bool {
	return c.Upstream.HTTP != "" || c.Upstream.Command != ""
}

// validateReverseUpstreams ensures each reverse upstream names exactly one
// transport (url or command) and that names are unique.
func (c *Config) validateReverseUpstreams() error {
	seen := make(map[string]struct{}, len(c.Reverse.Upstreams))
	for i, u := range c.Reverse.Upstreams {
		hasURL := u.URL != ""
		hasCommand := u.Command != ""
		if hasURL == hasCommand {
			return fmt.Errorf("reverse.upstreams[%d] (%s): specify url OR command, not both or neither", i, u.Name)
		}
		if _, dup := seen[u.Name]; dup {
			return fmt.Errorf("reverse.upstreams[%d]: duplicate name %q", i, u.Name)
		}
		seen[u.Name] = struct{}{}
	}
	return nil
}

// validateIdentityReferences ensures all API key identity_id values reference valid identities.
func (c *Config) validateIdentityReferences() error {
	// Build map of known identity IDs
	knownIdentities := make(map[string]struct{}, len(c.Auth.Identities))
	for _, identity := range c.Auth.Identities {
		knownIdentities[identity.ID] = struct{}{}
	}

	// Check each API key references a known identity
	for i, apiKey := range c.Auth.APIKeys {
		if _, exists := knownIdentities[apiKey.IdentityID]; !exists {
			return fmt.Errorf("api_keys[%d]: references unknown identity_id: %s", i, apiKey.IdentityID)
		}
	}

	return nil
}

// validateDurations parses every duration-shaped string field.
func (c *Config) validateDurations() error {
	fields := map[string]string{
		"server.session_timeout":          c.Server.SessionTimeout,
		"server.session_cleanup_interval": c.Server.SessionCleanupInterval,
		"upstream.http_timeout":           c.Upstream.HTTPTimeout,
		"pool.acquire_timeout":            c.Pool.AcquireTimeout,
		"pool.idle_timeout":               c.Pool.IdleTimeout,
		"rate_limit.cleanup_interval":     c.RateLimit.CleanupInterval,
		"rate_limit.max_ttl":              c.RateLimit.MaxTTL,
		"reverse.sse_reconnect.initial_backoff": c.Reverse.SSEReconnect.InitialBackoff,
		"reverse.sse_reconnect.max_backoff":     c.Reverse.SSEReconnect.MaxBackoff,
	}
	for key, value := range fields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, value)
		}
	}
	if cp := c.Reverse.CircuitBreaker.CooldownPeriod; cp != "" {
		if _, err := time.ParseDuration(cp); err != nil {
			return fmt.Errorf("reverse.circuit_breaker.cooldown_period: invalid duration %q", cp)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

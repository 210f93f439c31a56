package reverseproxy

import (
	"fmt"
	"time"
)

// UpstreamSource is the subset of config.ReverseUpstreamConfig this package
// needs to build a Registry, kept narrow so this package never imports
// internal/config (which would invert the dependency direction). Exactly
// one of URL or Command is set.
type UpstreamSource struct {
	Name    string
	URL     string
	Command string
	Args    []string
	Weight  int
}

// CircuitBreakerSource is the subset of config.CircuitBreakerConfig this
// package needs; CooldownPeriod is a duration string (e.g. "30s") here
// because that's how it round-trips through YAML, and is parsed into a
// time.Duration when building the domain CircuitBreakerConfig.
type CircuitBreakerSource struct {
	Enabled          bool
	FailureThreshold int
	CooldownPeriod   string
	HalfOpenProbes   int
}

// BuildCircuitBreakerConfig parses src's string-typed CooldownPeriod into
// the domain CircuitBreakerConfig's time.Duration field.
func BuildCircuitBreakerConfig(src CircuitBreakerSource) (CircuitBreakerConfig, error) {
	cfg := CircuitBreakerConfig{
		Enabled:          src.Enabled,
		FailureThreshold: src.FailureThreshold,
		HalfOpenProbes:   src.HalfOpenProbes,
	}
	if src.CooldownPeriod != "" {
		d, err := time.ParseDuration(src.CooldownPeriod)
		if err != nil {
			return CircuitBreakerConfig{}, fmt.Errorf("reverseproxy: parse cooldown_period %q: %w", src.CooldownPeriod, err)
		}
		cfg.CooldownPeriod = d
	}
	return cfg, nil
}

// BuildRegistry constructs a Registry from configured upstream sources,
// each with its own circuit breaker instance built from cb.
func BuildRegistry(sources []UpstreamSource, cb CircuitBreakerConfig) *Registry {
	upstreams := make([]*Upstream, 0, len(sources))
	for i, src := range sources {
		id := fmt.Sprintf("upstream-%d-%s", i, src.Name)
		if src.Command != "" {
			upstreams = append(upstreams, NewStdioUpstream(id, src.Name, src.Command, src.Args, src.Weight, cb))
			continue
		}
		upstreams = append(upstreams, NewUpstream(id, src.Name, src.URL, src.Weight, cb))
	}
	return NewRegistry(upstreams)
}

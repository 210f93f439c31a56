package reverseproxy

import (
	"errors"
	"testing"
	"time"
)

func newTestRegistry(n int, weights ...int) *Registry {
	ups := make([]*Upstream, n)
	for i := 0; i < n; i++ {
		w := 1
		if i < len(weights) {
			w = weights[i]
		}
		ups[i] = NewUpstream(
			string(rune('a'+i)),
			string(rune('a'+i)),
			"http://upstream-"+string(rune('a'+i)),
			w,
			CircuitBreakerConfig{Enabled: false},
		)
	}
	return NewRegistry(ups)
}

func TestRoundRobinSelector_CyclesEvenly(t *testing.T) {
	reg := newTestRegistry(3)
	sel := NewSelector(StrategyRoundRobin)

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		u, err := sel.Select(reg)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[u.ID]++
	}
	for id, c := range counts {
		if c != 3 {
			t.Fatalf("upstream %s picked %d times, want 3", id, c)
		}
	}
}

func TestWeightedRoundRobinSelector_RespectsWeights(t *testing.T) {
	reg := newTestRegistry(2, 3, 1)
	sel := NewSelector(StrategyWeightedRoundRobin)

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		u, err := sel.Select(reg)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[u.ID]++
	}
	if counts["a"] != 6 || counts["b"] != 2 {
		t.Fatalf("counts = %v, want a=6 b=2 for weights 3:1 over 8 picks", counts)
	}
}

func TestLeastConnectionsSelector_PicksFewestActive(t *testing.T) {
	reg := newTestRegistry(2)
	all := reg.All()
	end := all[0].BeginRequest()
	defer end()
	all[0].BeginRequest()

	sel := NewSelector(StrategyLeastConnections)
	u, err := sel.Select(reg)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if u.ID != all[1].ID {
		t.Fatalf("selected %s, want the upstream with fewer active connections", u.ID)
	}
}

func TestHealthyFirstSelector_FallsBackWhenNoneHealthy(t *testing.T) {
	ups := []*Upstream{
		NewUpstream("a", "a", "http://a", 1, CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, CooldownPeriod: time.Hour}),
	}
	reg := NewRegistry(ups)
	ups[0].RecordFailure()

	sel := NewSelector(StrategyHealthyFirst)
	u, err := sel.Select(reg)
	if err != nil {
		t.Fatalf("expected fallback to unhealthy upstream, got error: %v", err)
	}
	if u.ID != "a" {
		t.Fatalf("selected %s, want a", u.ID)
	}
}

func TestSelector_NoHealthyUpstreamWithoutFallback(t *testing.T) {
	ups := []*Upstream{
		NewUpstream("a", "a", "http://a", 1, CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, CooldownPeriod: time.Hour}),
	}
	reg := NewRegistry(ups)
	ups[0].RecordFailure()

	sel := NewSelector(StrategyRoundRobin)
	if _, err := sel.Select(reg); !errors.Is(err, ErrNoHealthyUpstream) {
		t.Fatalf("error = %v, want ErrNoHealthyUpstream", err)
	}
}

package gateway

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestLoadBalancer(t *testing.T, strategy Strategy) (*LoadBalancer, *NodeRegistry, *HealthChecker, *CircuitBreakerRegistry) {
	t.Helper()
	log := zap.NewNop()
	registry := NewNodeRegistry(log)
	breakers := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), log)
	limiter := NewRateLimiterRegistry()
	sessions := NewSessionTable(time.Minute)
	health := NewHealthChecker(DefaultHealthCheckConfig(), registry, breakers, nil, nil, log)
	lb := NewLoadBalancer(strategy, registry, health, breakers, limiter, sessions, log)
	return lb, registry, health, breakers
}

func TestLoadBalancerRoundRobinCyclesThroughNodes(t *testing.T) {
	lb, registry, _, _ := newTestLoadBalancer(t, StrategyRoundRobin)
	registry.Add(NodeConfig{ID: "a", Network: NetworkAvalancheFuji})
	registry.Add(NodeConfig{ID: "b", Network: NetworkAvalancheFuji})

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		n, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[n.ID] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected round robin to visit both nodes, saw %v", seen)
	}
}

func TestLoadBalancerExcludesUnhealthyNodes(t *testing.T) {
	lb, registry, _, _ := newTestLoadBalancer(t, StrategyRoundRobin)
	registry.Add(NodeConfig{ID: "a", Network: NetworkAvalancheFuji})
	registry.Add(NodeConfig{ID: "b", Network: NetworkAvalancheFuji})
	registry.SetHealth("b", false, time.Now())

	for i := 0; i < 5; i++ {
		n, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n.ID != "a" {
			t.Fatalf("expected only healthy node a to be selected, got %s", n.ID)
		}
	}
}

func TestLoadBalancerExcludesOpenCircuit(t *testing.T) {
	lb, registry, _, breakers := newTestLoadBalancer(t, StrategyRoundRobin)
	registry.Add(NodeConfig{ID: "a", Network: NetworkAvalancheFuji})
	registry.Add(NodeConfig{ID: "b", Network: NetworkAvalancheFuji})

	for i := 0; i < DefaultCircuitBreakerConfig().FailureThreshold; i++ {
		breakers.RecordFailure("b")
	}

	for i := 0; i < 5; i++ {
		n, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n.ID != "a" {
			t.Fatalf("expected breaker-open node b to be excluded, got %s", n.ID)
		}
	}
}

func TestLoadBalancerCapabilityFilter(t *testing.T) {
	lb, registry, _, _ := newTestLoadBalancer(t, StrategyRoundRobin)
	registry.Add(NodeConfig{ID: "a", Network: NetworkAvalancheFuji, Capabilities: []string{"archive"}})
	registry.Add(NodeConfig{ID: "b", Network: NetworkAvalancheFuji})

	n, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji, Capability: "archive"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID != "a" {
		t.Fatalf("expected only capable node a, got %s", n.ID)
	}
}

func TestLoadBalancerCapabilityConstraintDoesNotFallback(t *testing.T) {
	lb, registry, _, _ := newTestLoadBalancer(t, StrategyRoundRobin)
	registry.Add(NodeConfig{ID: "a", Network: NetworkAvalancheFuji})

	_, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji, Capability: "archive"})
	if err == nil {
		t.Fatalf("expected error when no node satisfies a required capability, got none (emergency fallback must not apply here)")
	}
}

func TestLoadBalancerHealthBasedPrefersHigherScore(t *testing.T) {
	lb, registry, health, _ := newTestLoadBalancer(t, StrategyHealthBased)
	registry.Add(NodeConfig{ID: "fast", Network: NetworkAvalancheFuji})
	registry.Add(NodeConfig{ID: "slow", Network: NetworkAvalancheFuji})

	health.recordSample(Node{NodeConfig: NodeConfig{ID: "fast"}}, 10*time.Millisecond, true)
	health.recordSample(Node{NodeConfig: NodeConfig{ID: "slow"}}, 500*time.Millisecond, true)

	n, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID != "fast" {
		t.Fatalf("expected health-based strategy to prefer the faster node, got %s", n.ID)
	}
}

func TestLoadBalancerHealthBasedTieBreaksByLowerPriority(t *testing.T) {
	lb, registry, health, _ := newTestLoadBalancer(t, StrategyHealthBased)
	registry.Add(NodeConfig{ID: "low-priority", Network: NetworkAvalancheFuji, Priority: 5})
	registry.Add(NodeConfig{ID: "high-priority", Network: NetworkAvalancheFuji, Priority: 1})

	health.recordSample(Node{NodeConfig: NodeConfig{ID: "low-priority"}}, 10*time.Millisecond, true)
	health.recordSample(Node{NodeConfig: NodeConfig{ID: "high-priority"}}, 10*time.Millisecond, true)

	n, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID != "high-priority" {
		t.Fatalf("expected tie to be broken in favor of the lower priority value, got %s", n.ID)
	}
}

func TestLoadBalancerStickyFreshPickUsesHealthBased(t *testing.T) {
	lb, registry, health, _ := newTestLoadBalancer(t, StrategySticky)
	registry.Add(NodeConfig{ID: "fast", Network: NetworkAvalancheFuji})
	registry.Add(NodeConfig{ID: "slow", Network: NetworkAvalancheFuji})

	health.recordSample(Node{NodeConfig: NodeConfig{ID: "fast"}}, 10*time.Millisecond, true)
	health.recordSample(Node{NodeConfig: NodeConfig{ID: "slow"}}, 500*time.Millisecond, true)

	n, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji, SessionID: "sess-fresh"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID != "fast" {
		t.Fatalf("expected a fresh sticky pick to use health-based selection, got %s", n.ID)
	}
}

func TestLoadBalancerEmergencyFallbackPicksFewestFailures(t *testing.T) {
	lb, registry, _, breakers := newTestLoadBalancer(t, StrategyRoundRobin)
	registry.Add(NodeConfig{ID: "a", Network: NetworkAvalancheFuji})
	registry.Add(NodeConfig{ID: "b", Network: NetworkAvalancheFuji})

	// Both nodes stay registry-healthy but both breakers trip open, so
	// the ordinary candidate set is empty and selection must fall back
	// to the emergency path, which ignores breaker state.
	cfg := DefaultCircuitBreakerConfig()
	for i := 0; i < cfg.FailureThreshold; i++ {
		breakers.RecordFailure("a")
	}
	for i := 0; i < cfg.FailureThreshold+2; i++ {
		breakers.RecordFailure("b")
	}

	n, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID != "a" {
		t.Fatalf("expected emergency fallback to pick node with fewest lifetime failures (a), got %s", n.ID)
	}
}

func TestLoadBalancerStickySessionAffinity(t *testing.T) {
	lb, registry, _, _ := newTestLoadBalancer(t, StrategyRoundRobin)
	registry.Add(NodeConfig{ID: "a", Network: NetworkAvalancheFuji})
	registry.Add(NodeConfig{ID: "b", Network: NetworkAvalancheFuji})

	first, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji, SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 5; i++ {
		n, err := lb.Select(SelectionRequest{Network: NetworkAvalancheFuji, SessionID: "sess-1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n.ID != first.ID {
			t.Fatalf("expected sticky session to keep returning %s, got %s", first.ID, n.ID)
		}
	}
}

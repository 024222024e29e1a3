package gateway

import (
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
)

// Strategy names a load-balancing algorithm.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyRandom      Strategy = "random"
	StrategyWeighted    Strategy = "weighted"
	StrategyHealthBased Strategy = "health_based"
	StrategySticky      Strategy = "sticky"
)

// LoadBalancer selects a candidate node for an incoming request,
// filtering on network, capability, circuit state, and rate limit
// before applying the configured strategy.
type LoadBalancer struct {
	registry *NodeRegistry
	health   *HealthChecker
	breakers *CircuitBreakerRegistry
	limiter  *RateLimiterRegistry
	sessions *SessionTable
	log      *zap.Logger

	strategy Strategy
	rrIndex  uint64
}

func NewLoadBalancer(strategy Strategy, registry *NodeRegistry, health *HealthChecker, breakers *CircuitBreakerRegistry, limiter *RateLimiterRegistry, sessions *SessionTable, log *zap.Logger) *LoadBalancer {
	return &LoadBalancer{
		registry: registry,
		health:   health,
		breakers: breakers,
		limiter:  limiter,
		sessions: sessions,
		log:      log,
		strategy: strategy,
	}
}

// SelectionRequest carries the constraints a given RPC call places on
// node selection. Strategy, when non-empty, overrides the LoadBalancer's
// configured default for this single selection (spec.md §6's per-request
// ?strategy= override).
type SelectionRequest struct {
	Network    Network
	Capability string
	SessionID  string
	Strategy   Strategy
}

// candidates returns nodes that are healthy, circuit-allowed,
// rate-limit-admissible, and (if requested) capability-matching,
// ordered by node id so round-robin positions are stable.
func (lb *LoadBalancer) candidates(req SelectionRequest) []Node {
	nodes := lb.registry.ListHealthyByNetwork(req.Network)
	out := make([]Node, 0, len(nodes))

	for _, n := range nodes {
		if req.Capability != "" && !n.HasCapability(req.Capability) {
			continue
		}
		if lb.breakers != nil && !lb.breakers.IsAllowed(n.ID) {
			continue
		}
		if lb.limiter != nil && !lb.limiter.Allow(n) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select picks a node for req using the configured strategy, falling
// back to an emergency pick only when no capability was required (per
// spec.md's stated default — a capability-constrained request that
// empties its candidate set returns an error instead of a substitute
// node that can't serve it).
func (lb *LoadBalancer) Select(req SelectionRequest) (Node, error) {
	if req.SessionID != "" {
		if nodeID, ok := lb.sessions.Lookup(req.SessionID); ok {
			if n, ok := lb.registry.Get(nodeID); ok && n.Network == req.Network && n.Healthy() {
				if req.Capability == "" || n.HasCapability(req.Capability) {
					if (lb.breakers == nil || lb.breakers.IsAllowed(n.ID)) && (lb.limiter == nil || lb.limiter.Allow(n)) {
						return n, nil
					}
				}
			}
		}
	}

	candidates := lb.candidates(req)
	if len(candidates) == 0 {
		if req.Capability != "" {
			return Node{}, fmt.Errorf("no healthy node for network %s with capability %s", req.Network, req.Capability)
		}
		fallback, err := lb.emergencyFallback(req.Network)
		if err != nil {
			return Node{}, err
		}
		return fallback, nil
	}

	strategy := lb.strategy
	if req.Strategy != "" {
		strategy = req.Strategy
	}

	var chosen Node
	switch strategy {
	case StrategyRoundRobin:
		chosen = lb.pickRoundRobin(candidates)
	case StrategyRandom:
		chosen = lb.pickRandom(candidates)
	case StrategyWeighted:
		chosen = lb.pickWeighted(candidates)
	case StrategyHealthBased:
		chosen = lb.pickHealthBased(candidates)
	case StrategySticky:
		chosen = lb.pickHealthBased(candidates)
	default:
		chosen = lb.pickRoundRobin(candidates)
	}

	if req.SessionID != "" {
		lb.sessions.Pin(req.SessionID, chosen.ID)
	}
	return chosen, nil
}

func (lb *LoadBalancer) pickRoundRobin(candidates []Node) Node {
	idx := atomic.AddUint64(&lb.rrIndex, 1)
	return candidates[int(idx-1)%len(candidates)]
}

func (lb *LoadBalancer) pickRandom(candidates []Node) Node {
	return candidates[rand.Intn(len(candidates))]
}

// pickWeighted picks proportionally to each node's Weight via a
// cumulative-interval inversion: nodes with weight <= 0 are treated as
// weight 1 so they remain selectable.
func (lb *LoadBalancer) pickWeighted(candidates []Node) Node {
	total := 0
	for _, n := range candidates {
		w := n.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}

	target := rand.Intn(total)
	cumulative := 0
	for _, n := range candidates {
		w := n.Weight
		if w <= 0 {
			w = 1
		}
		cumulative += w
		if target < cumulative {
			return n
		}
	}
	return candidates[len(candidates)-1]
}

// pickHealthBased chooses the highest-scoring node, tie-breaking by
// priority (lower wins) then by node id for a stable outcome.
func (lb *LoadBalancer) pickHealthBased(candidates []Node) Node {
	scored := lb.health.NodesByScore(candidates)

	best := scored[0]
	bestScore := lb.health.Score(best.ID)
	for _, n := range scored[1:] {
		score := lb.health.Score(n.ID)
		switch {
		case score > bestScore:
			best, bestScore = n, score
		case score == bestScore && n.Priority < best.Priority:
			best = n
		case score == bestScore && n.Priority == best.Priority && n.ID < best.ID:
			best = n
		}
	}
	return best
}

// emergencyFallback returns the healthy node (any capability, any
// circuit/rate-limit state) with the fewest lifetime failures, used
// only when the ordinary candidate set is empty and no capability
// constraint applies.
func (lb *LoadBalancer) emergencyFallback(network Network) (Node, error) {
	nodes := lb.registry.ListHealthyByNetwork(network)
	if len(nodes) == 0 {
		return Node{}, fmt.Errorf("no healthy node available for network %s", network)
	}

	sort.Slice(nodes, func(i, j int) bool {
		var fi, fj int64
		if lb.breakers != nil {
			fi = lb.breakers.Report(nodes[i].ID).CumulativeFailure
			fj = lb.breakers.Report(nodes[j].ID).CumulativeFailure
		}
		return fi < fj
	})

	lb.log.Warn("emergency fallback selection", zap.String("node_id", nodes[0].ID), zap.String("network", string(network)))
	return nodes[0], nil
}

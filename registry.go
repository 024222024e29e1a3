package gateway

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NodeRegistry holds the configured fleet of backend nodes and their
// current liveness flag. It is the single source of truth other
// components (HealthChecker, LoadBalancer) read node state from.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	log   *zap.Logger
}

func NewNodeRegistry(log *zap.Logger) *NodeRegistry {
	return &NodeRegistry{
		nodes: make(map[string]*Node),
		log:   log,
	}
}

// Add registers a new node. It starts marked healthy; the HealthChecker
// corrects this on its next probe tick.
func (r *NodeRegistry) Add(cfg NodeConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.ID == "" {
		return fmt.Errorf("node config missing id")
	}
	if _, exists := r.nodes[cfg.ID]; exists {
		return fmt.Errorf("node %s already registered", cfg.ID)
	}
	r.nodes[cfg.ID] = &Node{
		NodeConfig: cfg,
		healthy:    true,
	}
	r.log.Info("node added", zap.String("node_id", cfg.ID), zap.String("network", string(cfg.Network)))
	return nil
}

// Remove deletes a node from the registry entirely.
func (r *NodeRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return fmt.Errorf("node %s not found", id)
	}
	delete(r.nodes, id)
	r.log.Info("node removed", zap.String("node_id", id))
	return nil
}

// Get returns a snapshot of a single node.
func (r *NodeRegistry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Snapshot(), true
}

// ListAll returns a snapshot of every registered node.
func (r *NodeRegistry) ListAll() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Snapshot())
	}
	return out
}

// ListByNetwork returns every node tagged with the given network.
func (r *NodeRegistry) ListByNetwork(network Network) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0)
	for _, n := range r.nodes {
		if n.Network == network {
			out = append(out, n.Snapshot())
		}
	}
	return out
}

// ListHealthy returns every node currently marked healthy.
func (r *NodeRegistry) ListHealthy() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0)
	for _, n := range r.nodes {
		if n.healthy {
			out = append(out, n.Snapshot())
		}
	}
	return out
}

// ListHealthyByNetwork returns the healthy subset of a network's nodes.
func (r *NodeRegistry) ListHealthyByNetwork(network Network) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0)
	for _, n := range r.nodes {
		if n.Network == network && n.healthy {
			out = append(out, n.Snapshot())
		}
	}
	return out
}

// SetHealth flips a node's liveness flag and records when it happened.
// Returns false if the node does not exist.
func (r *NodeRegistry) SetHealth(id string, healthy bool, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	changed := n.healthy != healthy
	n.healthy = healthy
	n.lastCheckedAt = at
	if changed {
		if healthy {
			r.log.Warn("node recovered", zap.String("node_id", id))
		} else {
			r.log.Warn("node marked unhealthy", zap.String("node_id", id))
		}
	}
	return true
}

// SetWeight updates a node's load-balancing weight at runtime.
func (r *NodeRegistry) SetWeight(id string, weight int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	n.Weight = weight
	return true
}

// HasCapability reports whether the named node advertises the given
// capability. An empty capability always matches.
func (r *NodeRegistry) HasCapability(id, capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	return n.HasCapability(capability)
}

// Reset restores every node to healthy, clearing transient liveness
// state. Used by administrative recovery actions and by tests.
func (r *NodeRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.nodes {
		n.healthy = true
	}
	r.log.Info("registry reset, all nodes marked healthy")
}

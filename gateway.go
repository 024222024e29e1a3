package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Gateway wires every component together and is the top-level entry
// point callers (httpserver.go, tests) drive requests through.
type Gateway struct {
	Registry *NodeRegistry
	Health   *HealthChecker
	Breakers *CircuitBreakerRegistry
	Limiter  *RateLimiterRegistry
	Sessions *SessionTable
	LB       *LoadBalancer
	Cache    *Cache
	Proxy    *RpcProxy
	Metrics  *Metrics

	log *zap.Logger

	cancel context.CancelFunc
}

// NewGateway constructs every component from cfg but does not start
// any background loop — call Provision for that.
func NewGateway(cfg *Config, log *zap.Logger) (*Gateway, error) {
	if log == nil {
		log = zap.NewNop()
	}

	registry := NewNodeRegistry(log)
	for _, n := range cfg.Nodes {
		if err := registry.Add(n); err != nil {
			return nil, fmt.Errorf("registering node %s: %w", n.ID, err)
		}
	}

	breakers := NewCircuitBreakerRegistry(cfg.CircuitBreaker, log)
	limiter := NewRateLimiterRegistry()
	sessions := NewSessionTable(cfg.StickyTTL)

	evmProber := NewEVMProber(log, cfg.HealthCheck.HealthCheckEndpoint)
	wsProber := NewWSProber(log)
	health := NewHealthChecker(cfg.HealthCheck, registry, breakers, evmProber, wsProber, log)

	lb := NewLoadBalancer(cfg.Strategy, registry, health, breakers, limiter, sessions, log)
	cache := NewCache(cfg.Cache, log)
	proxy := NewRpcProxy(cfg.Proxy, lb, breakers, cache, log)
	metrics := NewMetrics()
	if err := metrics.Register(nil); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	proxy.SetMetrics(metrics)
	health.SetMetrics(metrics)
	breakers.SetMetrics(metrics)

	return &Gateway{
		Registry: registry,
		Health:   health,
		Breakers: breakers,
		Limiter:  limiter,
		Sessions: sessions,
		LB:       lb,
		Cache:    cache,
		Proxy:    proxy,
		Metrics:  metrics,
		log:      log,
	}, nil
}

// Provision starts every background loop: health probing, circuit
// monitoring, cache sweep/snapshot, and session sweep. Mirrors the
// teacher's staged Provision lifecycle without the Caddy interfaces.
func (g *Gateway) Provision(ctx context.Context) error {
	if err := g.Cache.LoadSnapshot(); err != nil {
		g.log.Warn("cache snapshot load failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.Health.Start(runCtx)
	g.Breakers.StartMonitor()
	g.Cache.StartSweep()
	g.Cache.StartSnapshotLoop()
	g.Sessions.StartSweep()

	g.log.Info("gateway provisioned", zap.Int("node_count", len(g.Registry.ListAll())))
	return nil
}

// Close stops every background loop and persists a final cache
// snapshot, mirroring the teacher's Cleanup step.
func (g *Gateway) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	g.Health.Stop()
	g.Breakers.Stop()
	g.Cache.Stop()
	g.Sessions.Stop()

	if err := g.Cache.SaveSnapshot(); err != nil {
		g.log.Warn("cache snapshot save failed on shutdown", zap.Error(err))
	}
	g.log.Info("gateway closed")
	return nil
}

// HandleSingle is the library-level entry point for a single validated
// JSON-RPC request.
func (g *Gateway) HandleSingle(ctx context.Context, req RpcRequest, sel SelectionRequest) RpcResponse {
	return g.Proxy.HandleSingle(ctx, req, sel)
}

// HandleBatch is the library-level entry point for a validated batch.
// errs carries any per-entry validation error from ParseRequestBody,
// aligned index-for-index with reqs.
func (g *Gateway) HandleBatch(ctx context.Context, reqs []RpcRequest, errs []*RpcError, sel SelectionRequest) []RpcResponse {
	return g.Proxy.HandleBatch(ctx, reqs, errs, sel)
}

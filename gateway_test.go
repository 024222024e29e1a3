package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

func testConfig(nodes ...NodeConfig) *Config {
	return &Config{
		ListenAddr:     ":0",
		HealthCheck:    DefaultHealthCheckConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Proxy:          DefaultProxyConfig(),
		Cache:          DefaultCacheConfig(),
		Strategy:       StrategyRoundRobin,
		StickyTTL:      time.Minute,
		Nodes:          nodes,
	}
}

func TestNewGatewayRegistersConfiguredNodes(t *testing.T) {
	g, err := NewGateway(testConfig(NodeConfig{ID: "a", URL: "http://example.invalid", Network: NetworkAvalancheFuji, Weight: 1}), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	if len(g.Registry.ListAll()) != 1 {
		t.Fatalf("expected one registered node")
	}
	if g.Metrics == nil {
		t.Fatalf("expected metrics to be constructed")
	}
}

func TestNewGatewayWiresMetricsIntoProxyAndHealth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RpcResponse{JSONRPC: "2.0", Result: json.RawMessage(`"0x1"`), ID: json.RawMessage(`1`)})
	}))
	defer upstream.Close()

	g, err := NewGateway(testConfig(NodeConfig{ID: "a", URL: upstream.URL, Network: NetworkAvalancheFuji, Weight: 1}), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	req := RpcRequest{JSONRPC: "2.0", Method: "eth_blockNumber", ID: json.RawMessage(`1`)}
	resp := g.HandleSingle(context.Background(), req, SelectionRequest{Network: NetworkAvalancheFuji})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	metric, err := g.Metrics.requestsTotal.GetMetricWithLabelValues("eth_blockNumber", "success")
	if err != nil {
		t.Fatalf("expected metrics to have been recorded for the handled request: %v", err)
	}
	if metric == nil {
		t.Fatalf("expected a non-nil counter for the handled request")
	}
	var recorded dto.Metric
	if err := metric.Write(&recorded); err != nil || recorded.GetCounter().GetValue() < 1 {
		t.Fatalf("expected the success counter to have been incremented, got %v (err %v)", recorded.GetCounter().GetValue(), err)
	}
	if g.Health.prom != g.Metrics {
		t.Fatalf("expected the health checker to be wired to the gateway metrics")
	}
}

func TestGatewayProvisionAndCloseLifecycle(t *testing.T) {
	g, err := NewGateway(testConfig(NodeConfig{ID: "a", URL: "http://example.invalid", Network: NetworkAvalancheFuji, Weight: 1}), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := g.Provision(ctx); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

package gateway

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.Register(reg); err != nil {
		t.Fatalf("second register against same registry should tolerate AlreadyRegisteredError: %v", err)
	}
}

func TestMetricsRecordRequestObservesCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.RecordRequest("eth_blockNumber", "success", 0.05)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, fam := range families {
		if fam.GetName() != "avax_gateway_proxy_requests_total" {
			continue
		}
		for _, metric := range fam.Metric {
			if labelsMatch(metric, "method", "eth_blockNumber") && labelsMatch(metric, "outcome", "success") {
				found = true
				if metric.GetCounter().GetValue() != 1 {
					t.Fatalf("expected counter value 1, got %v", metric.GetCounter().GetValue())
				}
			}
		}
	}
	if !found {
		t.Fatalf("expected requests_total series for eth_blockNumber/success")
	}
}

func TestMetricsSetCircuitStateReflectsLatestValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.SetCircuitState("node-a", CircuitOpen)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "avax_gateway_circuit_state" {
			continue
		}
		for _, metric := range fam.Metric {
			if labelsMatch(metric, "node_id", "node-a") && metric.GetGauge().GetValue() != float64(CircuitOpen) {
				t.Fatalf("expected gauge to reflect CircuitOpen, got %v", metric.GetGauge().GetValue())
			}
		}
	}
}

func labelsMatch(metric *dto.Metric, name, value string) bool {
	for _, lp := range metric.Label {
		if lp.GetName() == name {
			return lp.GetValue() == value
		}
	}
	return false
}

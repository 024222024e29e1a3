package gateway

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func testCircuitConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		MonitorInterval:  time.Hour,
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	r := NewCircuitBreakerRegistry(testCircuitConfig(), zap.NewNop())

	for i := 0; i < 2; i++ {
		r.RecordFailure("node-a")
		if r.State("node-a") != CircuitClosed {
			t.Fatalf("expected closed after %d failures, got %s", i+1, r.State("node-a"))
		}
	}

	r.RecordFailure("node-a")
	if r.State("node-a") != CircuitOpen {
		t.Fatalf("expected open after reaching failure threshold, got %s", r.State("node-a"))
	}
	if r.IsAllowed("node-a") {
		t.Fatalf("expected open circuit to block requests")
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	r := NewCircuitBreakerRegistry(testCircuitConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		r.RecordFailure("node-a")
	}
	if r.State("node-a") != CircuitOpen {
		t.Fatalf("expected open")
	}

	time.Sleep(60 * time.Millisecond)

	if !r.IsAllowed("node-a") {
		t.Fatalf("expected half-open to allow a probe request after reset timeout")
	}
	if r.State("node-a") != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", r.State("node-a"))
	}

	r.RecordSuccess("node-a")
	if r.State("node-a") != CircuitHalfOpen {
		t.Fatalf("expected to remain half-open after one success (threshold 2)")
	}
	r.RecordSuccess("node-a")
	if r.State("node-a") != CircuitClosed {
		t.Fatalf("expected closed after success threshold reached, got %s", r.State("node-a"))
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	r := NewCircuitBreakerRegistry(testCircuitConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		r.RecordFailure("node-a")
	}
	time.Sleep(60 * time.Millisecond)
	r.IsAllowed("node-a")
	if r.State("node-a") != CircuitHalfOpen {
		t.Fatalf("expected half-open")
	}

	r.RecordFailure("node-a")
	if r.State("node-a") != CircuitOpen {
		t.Fatalf("expected reopen on half-open failure, got %s", r.State("node-a"))
	}
}

func TestCircuitBreakerResetPreservesLifetimeTotals(t *testing.T) {
	r := NewCircuitBreakerRegistry(testCircuitConfig(), zap.NewNop())
	r.RecordSuccess("node-a")
	r.RecordFailure("node-a")
	r.RecordFailure("node-a")
	r.RecordFailure("node-a")

	before := r.Report("node-a")
	if before.State != CircuitOpen {
		t.Fatalf("expected open before reset")
	}

	r.ResetCircuit("node-a")
	after := r.Report("node-a")

	if after.State != CircuitClosed {
		t.Fatalf("expected closed after manual reset")
	}
	if after.CumulativeSuccess != before.CumulativeSuccess || after.CumulativeFailure != before.CumulativeFailure {
		t.Fatalf("expected lifetime totals preserved across reset: before=%+v after=%+v", before, after)
	}
}

func TestCircuitBreakerOpenedAtInvariant(t *testing.T) {
	r := NewCircuitBreakerRegistry(testCircuitConfig(), zap.NewNop())

	report := r.Report("node-a")
	if !report.OpenedAt.IsZero() {
		t.Fatalf("expected zero openedAt while closed")
	}

	for i := 0; i < 3; i++ {
		r.RecordFailure("node-a")
	}
	report = r.Report("node-a")
	if report.State == CircuitOpen && report.OpenedAt.IsZero() {
		t.Fatalf("expected non-zero openedAt when open")
	}
}

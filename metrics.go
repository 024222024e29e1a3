package gateway

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every prometheus collector the gateway exposes.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec

	healthyNodes   prometheus.Gauge
	unhealthyNodes prometheus.Gauge
	nodeScore      *prometheus.GaugeVec

	circuitState   *prometheus.GaugeVec
	circuitOpens   *prometheus.CounterVec

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avax_gateway",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of JSON-RPC requests handled, by method and outcome",
		}, []string{"method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "avax_gateway",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Duration of forwarded JSON-RPC requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avax_gateway",
			Subsystem: "proxy",
			Name:      "upstream_errors_total",
			Help:      "Total number of upstream errors by node and error type",
		}, []string{"node_id", "error_type"}),
		healthyNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "avax_gateway",
			Subsystem: "health",
			Name:      "healthy_nodes",
			Help:      "Number of currently healthy nodes",
		}),
		unhealthyNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "avax_gateway",
			Subsystem: "health",
			Name:      "unhealthy_nodes",
			Help:      "Number of currently unhealthy nodes",
		}),
		nodeScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "avax_gateway",
			Subsystem: "health",
			Name:      "node_score",
			Help:      "Current 0-100 health score of each node",
		}, []string{"node_id"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "avax_gateway",
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state per node (0=closed, 1=open, 2=half_open)",
		}, []string{"node_id"}),
		circuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avax_gateway",
			Subsystem: "circuit",
			Name:      "opens_total",
			Help:      "Total number of times a node's circuit breaker opened",
		}, []string{"node_id"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avax_gateway",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avax_gateway",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avax_gateway",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of cache evictions",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "avax_gateway",
			Subsystem: "cache",
			Name:      "size",
			Help:      "Current number of cache entries",
		}),
	}
}

// Register registers every collector with reg, tolerating a collector
// already registered (e.g. a test that builds multiple Metrics instances
// against the default registry).
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	if m.requestsTotal, err = registerCounterVec(reg, m.requestsTotal); err != nil {
		return err
	}
	if m.requestDuration, err = registerHistogramVec(reg, m.requestDuration); err != nil {
		return err
	}
	if m.upstreamErrors, err = registerCounterVec(reg, m.upstreamErrors); err != nil {
		return err
	}
	if m.healthyNodes, err = registerGauge(reg, m.healthyNodes); err != nil {
		return err
	}
	if m.unhealthyNodes, err = registerGauge(reg, m.unhealthyNodes); err != nil {
		return err
	}
	if m.nodeScore, err = registerGaugeVec(reg, m.nodeScore); err != nil {
		return err
	}
	if m.circuitState, err = registerGaugeVec(reg, m.circuitState); err != nil {
		return err
	}
	if m.circuitOpens, err = registerCounterVec(reg, m.circuitOpens); err != nil {
		return err
	}
	if m.cacheHits, err = registerCounter(reg, m.cacheHits); err != nil {
		return err
	}
	if m.cacheMisses, err = registerCounter(reg, m.cacheMisses); err != nil {
		return err
	}
	if m.cacheEvictions, err = registerCounter(reg, m.cacheEvictions); err != nil {
		return err
	}
	if m.cacheSize, err = registerGauge(reg, m.cacheSize); err != nil {
		return err
	}
	return nil
}

func (m *Metrics) RecordRequest(method, outcome string, duration float64) {
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration)
}

func (m *Metrics) RecordUpstreamError(nodeID, errorType string) {
	m.upstreamErrors.WithLabelValues(nodeID, errorType).Inc()
}

func (m *Metrics) SetNodeCounts(healthy, unhealthy int) {
	m.healthyNodes.Set(float64(healthy))
	m.unhealthyNodes.Set(float64(unhealthy))
}

func (m *Metrics) SetNodeScore(nodeID string, score float64) {
	m.nodeScore.WithLabelValues(nodeID).Set(score)
}

func (m *Metrics) SetCircuitState(nodeID string, state CircuitState) {
	m.circuitState.WithLabelValues(nodeID).Set(float64(state))
}

func (m *Metrics) RecordCircuitOpen(nodeID string) {
	m.circuitOpens.WithLabelValues(nodeID).Inc()
}

func (m *Metrics) RecordCacheOutcome(metrics CacheMetrics) {
	m.cacheSize.Set(float64(metrics.Size))
}

func (m *Metrics) IncCacheHit()  { m.cacheHits.Inc() }
func (m *Metrics) IncCacheMiss() { m.cacheMisses.Inc() }
func (m *Metrics) IncCacheEvict() { m.cacheEvictions.Inc() }

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(prometheus.Counter)
			if !ok {
				return nil, fmt.Errorf("expected counter, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(prometheus.Gauge)
			if !ok {
				return nil, fmt.Errorf("expected gauge, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("expected counter vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				return nil, fmt.Errorf("expected gauge vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				return nil, fmt.Errorf("expected histogram vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}

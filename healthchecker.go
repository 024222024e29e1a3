package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthCheckConfig controls probe cadence, retry, and scoring inputs.
type HealthCheckConfig struct {
	ProbeInterval       time.Duration
	RecoveryInterval    time.Duration
	Timeout             time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration
	MaxConcurrentProbes int
	SampleWindow        int

	// HealthCheckEndpoint is the JSON-RPC method the EVM prober calls
	// first to establish liveness (falling back to eth_chainId on
	// failure), bound to HEALTH_CHECK_ENDPOINT per spec.md §6.
	HealthCheckEndpoint string

	// FailureThreshold (F) and SuccessThreshold (S) gate the
	// healthy<->unhealthy transition in computeHealthy, per spec.md
	// §4.2 — distinct from CircuitBreakerConfig's own F/S, which gates
	// the circuit state machine instead of registry liveness.
	FailureThreshold int
	SuccessThreshold int
}

func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		ProbeInterval:       15 * time.Second,
		RecoveryInterval:    5 * time.Second,
		Timeout:             5 * time.Second,
		RetryAttempts:       3,
		RetryDelay:          500 * time.Millisecond,
		MaxConcurrentProbes: 8,
		SampleWindow:        20,
		HealthCheckEndpoint: "web3_clientVersion",
		FailureThreshold:    3,
		SuccessThreshold:    2,
	}
}

// Prober performs the actual liveness check for one node and reports
// how long it took. Implemented by probe_evm.go's evmProber; kept as
// an interface so tests can inject a fake without a live RPC endpoint.
type Prober interface {
	Probe(ctx context.Context, node Node) (time.Duration, error)
}

// HealthChecker runs periodic probes against every node in a registry,
// maintaining a rolling health score derived from response time and
// success/failure history.
type HealthChecker struct {
	cfg      HealthCheckConfig
	registry *NodeRegistry
	breakers *CircuitBreakerRegistry
	prober   Prober
	wsProber Prober
	log      *zap.Logger

	mu      sync.RWMutex
	metrics map[string]*HealthMetrics
	inFlight map[string]bool

	prom *Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
}

// SetMetrics attaches a Metrics instance for prometheus reporting.
// Optional: a nil value just skips recording.
func (h *HealthChecker) SetMetrics(m *Metrics) {
	h.prom = m
}

func NewHealthChecker(cfg HealthCheckConfig, registry *NodeRegistry, breakers *CircuitBreakerRegistry, prober Prober, wsProber Prober, log *zap.Logger) *HealthChecker {
	return &HealthChecker{
		cfg:      cfg,
		registry: registry,
		breakers: breakers,
		prober:   prober,
		wsProber: wsProber,
		log:      log,
		metrics:  make(map[string]*HealthMetrics),
		inFlight: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

func (h *HealthChecker) metricsFor(nodeID string) *HealthMetrics {
	h.mu.RLock()
	m, ok := h.metrics[nodeID]
	h.mu.RUnlock()
	if ok {
		return m
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.metrics[nodeID]; ok {
		return m
	}
	m = &HealthMetrics{sampleCap: h.cfg.SampleWindow}
	h.metrics[nodeID] = m
	return m
}

// Start launches the probe and recovery tickers as separate goroutines,
// matching spec.md's requirement that the two run on independent
// intervals rather than a single shared loop.
func (h *HealthChecker) Start(ctx context.Context) {
	go h.loop(ctx, h.cfg.ProbeInterval, h.CheckAllNodes)
	go h.loop(ctx, h.cfg.RecoveryInterval, h.checkUnhealthyNodes)
}

func (h *HealthChecker) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		}
	}
}

func (h *HealthChecker) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

// CheckAllNodes probes every registered node concurrently, bounded by
// MaxConcurrentProbes, using the semaphore+WaitGroup shape.
func (h *HealthChecker) CheckAllNodes(ctx context.Context) {
	nodes := h.registry.ListAll()
	if len(nodes) == 0 {
		return
	}
	h.checkNodes(ctx, nodes)
}

// checkUnhealthyNodes restricts the recovery tick to currently-unhealthy
// nodes so the faster recovery interval doesn't redundantly re-probe
// nodes the slower probe interval already covers.
func (h *HealthChecker) checkUnhealthyNodes(ctx context.Context) {
	all := h.registry.ListAll()
	unhealthy := make([]Node, 0)
	for _, n := range all {
		if !n.Healthy() {
			unhealthy = append(unhealthy, n)
		}
	}
	if len(unhealthy) == 0 {
		return
	}
	h.checkNodes(ctx, unhealthy)
}

func (h *HealthChecker) checkNodes(ctx context.Context, nodes []Node) {
	sem := make(chan struct{}, h.cfg.MaxConcurrentProbes)
	var wg sync.WaitGroup

	for _, n := range nodes {
		if !h.tryMarkInFlight(n.ID) {
			continue
		}
		wg.Add(1)
		go func(node Node) {
			defer wg.Done()
			defer h.clearInFlight(node.ID)

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			h.checkSingleNode(ctx, node)
		}(n)
	}

	wg.Wait()
	h.reportMetrics()
}

func (h *HealthChecker) reportMetrics() {
	if h.prom == nil {
		return
	}
	nodes := h.registry.ListAll()
	var healthy, unhealthy int
	for _, n := range nodes {
		if n.Healthy() {
			healthy++
		} else {
			unhealthy++
		}
		h.prom.SetNodeScore(n.ID, h.Score(n.ID))
		if h.breakers != nil {
			h.prom.SetCircuitState(n.ID, h.breakers.State(n.ID))
		}
	}
	h.prom.SetNodeCounts(healthy, unhealthy)
}

// tryMarkInFlight enforces "at most one probe per node per tick": a
// node already being probed from a prior overlapping tick is skipped.
func (h *HealthChecker) tryMarkInFlight(nodeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight[nodeID] {
		return false
	}
	h.inFlight[nodeID] = true
	return true
}

func (h *HealthChecker) clearInFlight(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inFlight, nodeID)
}

func (h *HealthChecker) checkSingleNode(ctx context.Context, node Node) {
	elapsed, err := h.checkWithRetry(ctx, node)

	healthy := err == nil
	if healthy {
		h.breakers.RecordSuccess(node.ID)
	} else {
		h.breakers.RecordFailure(node.ID)
	}

	h.recordSample(node, elapsed, healthy)
	h.registry.SetHealth(node.ID, h.computeHealthy(node.ID, node.Healthy()), time.Now())

	if h.wsProber != nil && node.HasCapability("ws") {
		h.checkWebSocket(ctx, node)
	}
}

// checkWithRetry makes up to RetryAttempts probe attempts in total, with
// a fixed delay between attempts, per spec.md's fixed-delay retry rule
// (no exponential backoff here).
func (h *HealthChecker) checkWithRetry(ctx context.Context, node Node) (time.Duration, error) {
	var lastErr error

	for attempt := 1; attempt <= h.cfg.RetryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
		start := time.Now()
		_, err := h.prober.Probe(attemptCtx, node)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			return elapsed, nil
		}
		lastErr = err
		h.log.Debug("probe attempt failed",
			zap.String("node_id", node.ID), zap.Int("attempt", attempt), zap.Error(err))

		if attempt < h.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(h.cfg.RetryDelay):
			}
		}
	}

	return 0, fmt.Errorf("all %d probe attempts failed: %w", h.cfg.RetryAttempts, lastErr)
}

func (h *HealthChecker) checkWebSocket(ctx context.Context, node Node) {
	wsCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	_, err := h.wsProber.Probe(wsCtx, node)

	m := h.metricsFor(node.ID)
	m.mu.Lock()
	m.wsLastFailed = err != nil
	m.mu.Unlock()

	if err != nil {
		h.log.Debug("ws probe failed", zap.String("node_id", node.ID), zap.Error(err))
	}
}

func (h *HealthChecker) recordSample(node Node, elapsed time.Duration, success bool) {
	m := h.metricsFor(node.ID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.cumulativeSuccess++
		m.consecutiveSuccesses++
		m.consecutiveFailures = 0
		if m.sampleCap > 0 {
			if len(m.samples) < m.sampleCap {
				m.samples = append(m.samples, elapsed)
			} else {
				m.samples[m.sampleNext] = elapsed
				m.sampleNext = (m.sampleNext + 1) % m.sampleCap
			}
		}
		m.lastSample = elapsed
		m.avg = averageDuration(m.samples)
	} else {
		m.cumulativeFailure++
		m.consecutiveFailures++
		m.consecutiveSuccesses = 0
	}
	m.lastStatusChangedAt = time.Now()
}

func averageDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

// computeHealthy derives the boolean liveness flag fed back into the
// registry, applying spec.md §4.2's two-sided transition: a healthy
// node only flips unhealthy once consecutiveFailures reaches F, and an
// unhealthy node only flips back once consecutiveSuccesses reaches S.
// Short of either threshold the current state is preserved, so a single
// success after an unhealthy streak does not immediately mark it live.
func (h *HealthChecker) computeHealthy(nodeID string, currentlyHealthy bool) bool {
	m := h.metricsFor(nodeID)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if currentlyHealthy {
		return m.consecutiveFailures < h.cfg.FailureThreshold
	}
	return m.consecutiveSuccesses >= h.cfg.SuccessThreshold
}

// fleetAverage returns the mean response time across all tracked nodes,
// the denominator for each node's responseTimeScore.
func (h *HealthChecker) fleetAverage() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var total time.Duration
	var count int
	for _, m := range h.metrics {
		m.mu.RLock()
		if m.avg > 0 {
			total += m.avg
			count++
		}
		m.mu.RUnlock()
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// Score computes the 0-100 health score: successScore (0-50, based on
// cumulative success ratio) plus responseTimeScore (0-50, based on the
// node's average response time relative to the fleet average).
func (h *HealthChecker) Score(nodeID string) float64 {
	m := h.metricsFor(nodeID)

	m.mu.RLock()
	successTotal := m.cumulativeSuccess + m.cumulativeFailure
	successes := m.cumulativeSuccess
	avg := m.avg
	m.mu.RUnlock()

	var successScore float64 = 50
	if successTotal > 0 {
		successScore = 50 * float64(successes) / float64(successTotal)
	}

	responseTimeScore := 50.0
	fleetAvg := h.fleetAverage()
	if fleetAvg > 0 && avg > 0 {
		ratio := float64(avg) / float64(fleetAvg)
		responseTimeScore = responseTimeScoreFromRatio(ratio)
	}

	score := successScore + responseTimeScore
	m.mu.Lock()
	m.score = score
	m.mu.Unlock()
	return score
}

// responseTimeScoreFromRatio implements spec.md §4.2's piecewise
// response-time score: a node at or under half the fleet average scores
// the full 50, a node at or past double the fleet average scores the
// floor of 10, and ratios in between interpolate linearly.
func responseTimeScoreFromRatio(ratio float64) float64 {
	const (
		lowRatio, lowScore   = 0.5, 50.0
		highRatio, highScore = 2.0, 10.0
	)
	switch {
	case ratio <= lowRatio:
		return lowScore
	case ratio >= highRatio:
		return highScore
	default:
		return lowScore + (ratio-lowRatio)*(highScore-lowScore)/(highRatio-lowRatio)
	}
}

// HealthReportEntry is the read-only per-node health projection exposed
// over /health.
type HealthReportEntry struct {
	NodeID               string
	Healthy              bool
	Score                float64
	AvgResponseTime      time.Duration
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	CumulativeSuccess    int64
	CumulativeFailure    int64
	WSHealthy            bool
	CircuitState          CircuitState
}

func (h *HealthChecker) Report() []HealthReportEntry {
	nodes := h.registry.ListAll()
	out := make([]HealthReportEntry, 0, len(nodes))

	for _, n := range nodes {
		m := h.metricsFor(n.ID)
		m.mu.RLock()
		entry := HealthReportEntry{
			NodeID:               n.ID,
			Healthy:              n.Healthy(),
			Score:                m.score,
			AvgResponseTime:      m.avg,
			ConsecutiveFailures:  m.consecutiveFailures,
			ConsecutiveSuccesses: m.consecutiveSuccesses,
			CumulativeSuccess:    m.cumulativeSuccess,
			CumulativeFailure:    m.cumulativeFailure,
			WSHealthy:            !m.wsLastFailed,
		}
		m.mu.RUnlock()
		if h.breakers != nil {
			entry.CircuitState = h.breakers.State(n.ID)
		}
		out = append(out, entry)
	}
	return out
}

// NodesByScore returns every node sorted by descending health score,
// used by the health-based load-balancing strategy.
func (h *HealthChecker) NodesByScore(nodes []Node) []Node {
	scored := make([]Node, len(nodes))
	copy(scored, nodes)

	scores := make(map[string]float64, len(scored))
	for _, n := range scored {
		scores[n.ID] = h.Score(n.ID)
	}

	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scores[scored[j-1].ID] < scores[scored[j].ID]; j-- {
			scored[j-1], scored[j] = scored[j], scored[j-1]
		}
	}
	return scored
}

// ForceUpdateHealth allows administrative or test code to bypass the
// probe cadence and set a node's liveness directly.
func (h *HealthChecker) ForceUpdateHealth(nodeID string, healthy bool) {
	h.registry.SetHealth(nodeID, healthy, time.Now())
}

package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreakerConfig configures the per-node state machine.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	MonitorInterval  time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		MonitorInterval:  5 * time.Second,
	}
}

// CircuitBreakerRegistry owns one CircuitStats per node and the
// background monitor that promotes eligible OPEN breakers to HALF_OPEN
// without waiting for the next request to discover it lazily.
type CircuitBreakerRegistry struct {
	cfg CircuitBreakerConfig
	log *zap.Logger

	mu    sync.RWMutex
	stats map[string]*CircuitStats

	prom *Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
}

// SetMetrics attaches a Metrics instance for prometheus reporting.
// Optional: a nil value just skips recording.
func (r *CircuitBreakerRegistry) SetMetrics(m *Metrics) {
	r.prom = m
}

func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig, log *zap.Logger) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		cfg:    cfg,
		log:    log,
		stats:  make(map[string]*CircuitStats),
		stopCh: make(chan struct{}),
	}
}

// getOrCreate lazily creates a CircuitStats for a node the registry
// hasn't seen yet, double-checking under the write lock.
func (r *CircuitBreakerRegistry) getOrCreate(nodeID string) *CircuitStats {
	r.mu.RLock()
	s, ok := r.stats[nodeID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[nodeID]; ok {
		return s
	}
	s = &CircuitStats{state: CircuitClosed}
	r.stats[nodeID] = s
	return s
}

// IsAllowed reports whether a request may be forwarded to nodeID. A
// stale OPEN breaker whose resetTimeout has elapsed is eagerly promoted
// to HALF_OPEN here, mirroring the lazy transition on first use.
func (r *CircuitBreakerRegistry) IsAllowed(nodeID string) bool {
	s := r.getOrCreate(nodeID)

	s.mu.RLock()
	state := s.state
	openedAt := s.openedAt
	s.mu.RUnlock()

	switch state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(openedAt) <= r.cfg.ResetTimeout {
			return false
		}
		s.mu.Lock()
		promoted := false
		if s.state == CircuitOpen && time.Since(s.openedAt) > r.cfg.ResetTimeout {
			s.state = CircuitHalfOpen
			s.consecutiveSuccesses = 0
			s.consecutiveFailures = 0
			promoted = true
		}
		allowed := s.state == CircuitHalfOpen
		s.mu.Unlock()
		if promoted && r.prom != nil {
			r.prom.SetCircuitState(nodeID, CircuitHalfOpen)
		}
		return allowed
	default:
		return false
	}
}

// RecordSuccess transitions HALF_OPEN -> CLOSED once successThreshold
// consecutive successes accumulate; a CLOSED breaker just resets its
// consecutive failure streak.
func (r *CircuitBreakerRegistry) RecordSuccess(nodeID string) {
	s := r.getOrCreate(nodeID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cumulativeSuccess++
	s.consecutiveSuccesses++
	s.consecutiveFailures = 0
	s.lastSuccessAt = time.Now()

	switch s.state {
	case CircuitHalfOpen:
		if s.consecutiveSuccesses >= r.cfg.SuccessThreshold {
			s.state = CircuitClosed
			s.openedAt = time.Time{}
			if r.log != nil {
				r.log.Info("circuit closed", zap.String("node_id", nodeID))
			}
			if r.prom != nil {
				r.prom.SetCircuitState(nodeID, CircuitClosed)
			}
		}
	case CircuitClosed:
		// already closed, nothing to transition
	}
}

// RecordFailure increments failure counters and opens the breaker once
// failureThreshold is reached from CLOSED, or immediately reopens from
// HALF_OPEN on any failure.
func (r *CircuitBreakerRegistry) RecordFailure(nodeID string) {
	s := r.getOrCreate(nodeID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cumulativeFailure++
	s.consecutiveFailures++
	s.consecutiveSuccesses = 0
	s.lastFailureAt = time.Now()

	switch s.state {
	case CircuitClosed:
		if s.consecutiveFailures >= r.cfg.FailureThreshold {
			s.state = CircuitOpen
			s.openedAt = time.Now()
			if r.log != nil {
				r.log.Warn("circuit opened", zap.String("node_id", nodeID))
			}
			if r.prom != nil {
				r.prom.SetCircuitState(nodeID, CircuitOpen)
				r.prom.RecordCircuitOpen(nodeID)
			}
		}
	case CircuitHalfOpen:
		s.state = CircuitOpen
		s.openedAt = time.Now()
		if r.log != nil {
			r.log.Warn("circuit reopened from half-open", zap.String("node_id", nodeID))
		}
		if r.prom != nil {
			r.prom.SetCircuitState(nodeID, CircuitOpen)
			r.prom.RecordCircuitOpen(nodeID)
		}
	}
}

// State returns the current state of a node's breaker.
func (r *CircuitBreakerRegistry) State(nodeID string) CircuitState {
	s := r.getOrCreate(nodeID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ResetCircuit forces a breaker back to CLOSED while preserving lifetime
// totals, matching spec.md's manual-reset invariant.
func (r *CircuitBreakerRegistry) ResetCircuit(nodeID string) {
	s := r.getOrCreate(nodeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = CircuitClosed
	s.openedAt = time.Time{}
	s.consecutiveSuccesses = 0
	s.consecutiveFailures = 0
}

// CircuitReport is the read-only projection of a node's breaker state.
type CircuitReport struct {
	NodeID            string
	State             CircuitState
	ConsecutiveFails  int
	ConsecutiveSucc   int
	CumulativeSuccess int64
	CumulativeFailure int64
	OpenedAt          time.Time
}

func (r *CircuitBreakerRegistry) Report(nodeID string) CircuitReport {
	s := r.getOrCreate(nodeID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CircuitReport{
		NodeID:            nodeID,
		State:             s.state,
		ConsecutiveFails:  s.consecutiveFailures,
		ConsecutiveSucc:   s.consecutiveSuccesses,
		CumulativeSuccess: s.cumulativeSuccess,
		CumulativeFailure: s.cumulativeFailure,
		OpenedAt:          s.openedAt,
	}
}

// StartMonitor runs a background ticker that proactively promotes OPEN
// breakers past their resetTimeout to HALF_OPEN, so a node can recover
// even without inbound traffic to trigger the lazy check in IsAllowed.
func (r *CircuitBreakerRegistry) StartMonitor() {
	ticker := time.NewTicker(r.cfg.MonitorInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *CircuitBreakerRegistry) sweep() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.stats))
	for id := range r.stats {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.IsAllowed(id)
	}
}

// Stop halts the background monitor. Safe to call more than once.
func (r *CircuitBreakerRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

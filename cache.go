package gateway

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CacheEntry is one cached JSON-RPC result keyed by canonical method+params.
type CacheEntry struct {
	Key       string          `json:"key"`
	Result    json.RawMessage `json:"result"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CacheConfig controls TTLs, capacity, and snapshot persistence.
type CacheConfig struct {
	DefaultTTL    time.Duration
	MethodTTL     map[string]time.Duration
	MaxEntries    int
	SweepInterval time.Duration
	SnapshotPath  string
	SnapshotEvery time.Duration
	// MinRemainingForSnapshot is the floor remaining TTL an entry must
	// have to be written into a persisted snapshot (spec.md §9: entries
	// with less than 5 minutes left are not worth persisting).
	MinRemainingForSnapshot time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		DefaultTTL:              30 * time.Second,
		MethodTTL:               defaultMethodTTL(),
		MaxEntries:              10000,
		SweepInterval:           30 * time.Second,
		MinRemainingForSnapshot: 5 * time.Minute,
	}
}

// defaultMethodTTL is the per-method TTL table from spec.md §4.6. A
// method absent from this table falls back to CacheConfig.DefaultTTL.
func defaultMethodTTL() map[string]time.Duration {
	return map[string]time.Duration{
		"eth_blockNumber":          5000 * time.Millisecond,
		"eth_gasPrice":             10000 * time.Millisecond,
		"eth_call":                 10000 * time.Millisecond,
		"eth_getBalance":           15000 * time.Millisecond,
		"eth_getTransactionCount":  15000 * time.Millisecond,
		"eth_getLogs":              30000 * time.Millisecond,
		"eth_getBlockByNumber":     60000 * time.Millisecond,
		"eth_getBlockByHash":       60000 * time.Millisecond,
		"avax_getPendingTxs":       5000 * time.Millisecond,
		"avax_getAtomicTxStatus":   15000 * time.Millisecond,
		"avax_getAtomicTx":         60000 * time.Millisecond,
	}
}

// nonCacheableMethodPrefixes lists JSON-RPC method prefixes that mutate
// chain state or client state and must never be served from cache, per
// spec.md §4.6's cacheability rule.
var nonCacheableMethodPrefixes = []string{
	"eth_sendTransaction",
	"eth_sendRawTransaction",
	"eth_sign",
	"eth_signTransaction",
	"eth_submitWork",
	"eth_submitHashrate",
	"personal_",
	"admin_",
	"miner_",
	"debug_",
	"avax_issueTx",
	"avax_signTx",
}

// CacheMetrics is the read-only projection of cache performance.
type CacheMetrics struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	MaxEntries int
	Size       int
	PerMethod  map[string]int64
}

// Cache stores JSON-RPC responses keyed by canonical method+params, with
// per-method TTLs, capacity-bounded eviction, and state-change
// invalidation.
type Cache struct {
	cfg CacheConfig
	log *zap.Logger

	mu      sync.RWMutex
	entries map[string]*CacheEntry

	hits, misses, evictions int64
	perMethod                map[string]int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewCache(cfg CacheConfig, log *zap.Logger) *Cache {
	return &Cache{
		cfg:       cfg,
		log:       log,
		entries:   make(map[string]*CacheEntry),
		perMethod: make(map[string]int64),
		stopCh:    make(chan struct{}),
	}
}

// Cacheable reports whether a method's responses may ever be cached.
func Cacheable(method string) bool {
	for _, prefix := range nonCacheableMethodPrefixes {
		if strings.HasPrefix(method, prefix) {
			return false
		}
	}
	return true
}

func (c *Cache) ttlFor(method string) time.Duration {
	if ttl, ok := c.cfg.MethodTTL[method]; ok {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// Get returns a cached result for key, or (nil, false) on miss/expiry.
func (c *Cache) Get(key, method string) (json.RawMessage, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.ExpiresAt) {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.perMethod[method]++
	c.mu.Unlock()
	return entry.Result, true
}

// Set stores a result under key, evicting the entry with the earliest
// expiresAt if the cache is at capacity.
func (c *Cache) Set(key, method string, result json.RawMessage) {
	if !Cacheable(method) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictEarliestLocked()
	}

	c.entries[key] = &CacheEntry{
		Key:       key,
		Result:    result,
		ExpiresAt: time.Now().Add(c.ttlFor(method)),
	}
}

func (c *Cache) evictEarliestLocked() {
	var earliestKey string
	var earliestAt time.Time
	first := true

	for k, e := range c.entries {
		if first || e.ExpiresAt.Before(earliestAt) {
			earliestKey = k
			earliestAt = e.ExpiresAt
			first = false
		}
	}
	if !first {
		delete(c.entries, earliestKey)
		c.evictions++
	}
}

// InvalidateByMethod drops every cached entry whose key contains substr,
// used to evict the cached results of methods a state-changing call
// just made stale.
func (c *Cache) InvalidateByMethod(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if strings.Contains(k, substr) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// stateChangeInvalidationTargets maps a state-changing trigger method to
// the cached methods it stales, per spec.md §4.6's invalidation table.
var stateChangeInvalidationTargets = map[string][]string{
	"eth_sendTransaction":       {"eth_getBalance", "eth_getTransactionCount", "eth_call"},
	"eth_sendRawTransaction":    {"eth_getBalance", "eth_getTransactionCount", "eth_call"},
	"personal_sendTransaction":  {"eth_getBalance", "eth_getTransactionCount"},
	"avax_issueTx":              {"avax_getPendingTxs", "avax_getAtomicTxStatus"},
}

// InvalidateOnStateChange evicts every cached entry for the methods a
// successful call to method is known to stale, following spec.md §4.6's
// trigger table. A method with no registered targets is a no-op.
func (c *Cache) InvalidateOnStateChange(method string) int {
	removed := 0
	for _, target := range stateChangeInvalidationTargets[method] {
		removed += c.InvalidateByMethod(target)
	}
	return removed
}

// Metrics returns current cache counters. MaxEntries reports the
// configured capacity, not the live entry count — spec.md §9 calls the
// live-count version a bug in the source this gateway draws from.
func (c *Cache) Metrics() CacheMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	perMethod := make(map[string]int64, len(c.perMethod))
	for k, v := range c.perMethod {
		perMethod[k] = v
	}

	return CacheMetrics{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		MaxEntries: c.cfg.MaxEntries,
		Size:       len(c.entries),
		PerMethod:  perMethod,
	}
}

// StartSweep runs a periodic expiry sweep, cadence following the
// teacher's duration/2 rule-of-thumb adapted to SweepInterval.
func (c *Cache) StartSweep() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepExpired()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// snapshotFile is the single-JSON-object persisted form spec.md §9
// prescribes: one file holding every surviving entry, not line-delimited
// records.
type snapshotFile struct {
	SavedAt time.Time               `json:"saved_at"`
	Entries map[string]*CacheEntry `json:"entries"`
}

// SaveSnapshot writes every entry with at least MinRemainingForSnapshot
// TTL left to cfg.SnapshotPath as a single JSON object. A no-op if no
// path is configured.
func (c *Cache) SaveSnapshot() error {
	if c.cfg.SnapshotPath == "" {
		return nil
	}

	c.mu.RLock()
	snap := snapshotFile{SavedAt: time.Now(), Entries: make(map[string]*CacheEntry)}
	cutoff := time.Now().Add(c.cfg.MinRemainingForSnapshot)
	for k, e := range c.entries {
		if e.ExpiresAt.After(cutoff) {
			snap.Entries[k] = e
		}
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.cfg.SnapshotPath, data, 0o644)
}

// LoadSnapshot restores entries from cfg.SnapshotPath. A missing file is
// not an error, matching spec.md §6's rule that an absent snapshot
// simply starts the cache empty.
func (c *Cache) LoadSnapshot() error {
	if c.cfg.SnapshotPath == "" {
		return nil
	}

	data, err := os.ReadFile(c.cfg.SnapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range snap.Entries {
		if e.ExpiresAt.After(now) {
			c.entries[k] = e
		}
	}
	if c.log != nil {
		c.log.Info("cache snapshot loaded", zap.Int("entries", len(c.entries)))
	}
	return nil
}

// StartSnapshotLoop periodically saves the cache snapshot if configured.
func (c *Cache) StartSnapshotLoop() {
	if c.cfg.SnapshotPath == "" || c.cfg.SnapshotEvery <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SnapshotEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.SaveSnapshot(); err != nil && c.log != nil {
					c.log.Warn("cache snapshot save failed", zap.Error(err))
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

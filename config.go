package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved gateway configuration: env-var driven
// defaults (per spec.md §6), with extra nodes appended from an optional
// nodes.yaml (nodes already defined in the environment are kept as-is).
type Config struct {
	ListenAddr string

	HealthCheck    HealthCheckConfig
	CircuitBreaker CircuitBreakerConfig
	Proxy          ProxyConfig
	Cache          CacheConfig
	Strategy       Strategy
	StickyTTL      time.Duration

	// DefaultNetwork is the network a request is routed to absent a
	// per-request ?network= override, bound to DEFAULT_NETWORK.
	DefaultNetwork Network

	Nodes []NodeConfig
}

// nodesFile is the optional static node-list file (nodes.yaml)
// supplementing per-node environment variables.
type nodesFile struct {
	Nodes []NodeConfig `yaml:"nodes"`
}

// LoadConfig builds a Config from environment variables via viper,
// optionally seeded from a .env file, then merges in any nodes.yaml.
// Absence of either optional file is not an error.
func LoadConfig(envFile, nodesYAMLPath string) (*Config, error) {
	loadDotEnv(envFile)

	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()
	setDefaults(v)
	bindSpecEnvVars(v)

	cfg := &Config{
		ListenAddr: v.GetString("listen_addr"),
		HealthCheck: HealthCheckConfig{
			ProbeInterval:       v.GetDuration("health_check_interval"),
			RecoveryInterval:    v.GetDuration("health_recovery_interval"),
			Timeout:             v.GetDuration("health_check_timeout"),
			RetryAttempts:       v.GetInt("health_retry_attempts"),
			RetryDelay:          v.GetDuration("health_retry_delay"),
			MaxConcurrentProbes: v.GetInt("max_concurrent_probes"),
			SampleWindow:        v.GetInt("health_sample_window"),
			HealthCheckEndpoint: v.GetString("health_check_endpoint"),
			FailureThreshold:    v.GetInt("health_failure_threshold"),
			SuccessThreshold:    v.GetInt("health_success_threshold"),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("circuit_failure_threshold"),
			SuccessThreshold: v.GetInt("circuit_success_threshold"),
			ResetTimeout:     v.GetDuration("circuit_reset_timeout"),
			MonitorInterval:  v.GetDuration("circuit_monitor_interval"),
		},
		Proxy: ProxyConfig{
			Timeout:       v.GetDuration("proxy_timeout"),
			RetryAttempts: v.GetInt("proxy_retry_attempts"),
			RetryDelay:    v.GetDuration("proxy_retry_delay"),
		},
		Cache: CacheConfig{
			DefaultTTL:              v.GetDuration("cache_default_ttl"),
			MethodTTL:               defaultMethodTTL(),
			MaxEntries:              v.GetInt("cache_max_entries"),
			SweepInterval:           v.GetDuration("cache_sweep_interval"),
			SnapshotPath:            v.GetString("cache_snapshot_path"),
			SnapshotEvery:           v.GetDuration("cache_snapshot_every"),
			MinRemainingForSnapshot: v.GetDuration("cache_snapshot_min_remaining"),
		},
		Strategy:       Strategy(v.GetString("strategy")),
		StickyTTL:      v.GetDuration("sticky_ttl"),
		DefaultNetwork: Network(v.GetString("default_network")),
	}

	if err := processNodeEnvironment(v, cfg); err != nil {
		return nil, fmt.Errorf("processing node environment config: %w", err)
	}

	if nodesYAMLPath != "" {
		if err := mergeNodesYAML(cfg, nodesYAMLPath); err != nil {
			return nil, fmt.Errorf("merging nodes.yaml: %w", err)
		}
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("health_check_interval", 15*time.Second)
	v.SetDefault("health_recovery_interval", 5*time.Second)
	v.SetDefault("health_check_timeout", 5*time.Second)
	v.SetDefault("health_check_endpoint", "web3_clientVersion")
	v.SetDefault("health_failure_threshold", 3)
	v.SetDefault("health_success_threshold", 2)
	v.SetDefault("health_retry_attempts", 3)
	v.SetDefault("health_retry_delay", 500*time.Millisecond)
	v.SetDefault("max_concurrent_probes", 8)
	v.SetDefault("health_sample_window", 20)
	v.SetDefault("default_network", string(NetworkAvalancheFuji))
	v.SetDefault("circuit_failure_threshold", 5)
	v.SetDefault("circuit_success_threshold", 2)
	v.SetDefault("circuit_reset_timeout", 60*time.Second)
	v.SetDefault("circuit_monitor_interval", 5*time.Second)
	v.SetDefault("proxy_timeout", 10*time.Second)
	v.SetDefault("proxy_retry_attempts", 2)
	v.SetDefault("proxy_retry_delay", 250*time.Millisecond)
	v.SetDefault("cache_default_ttl", 30*time.Second)
	v.SetDefault("cache_max_entries", 10000)
	v.SetDefault("cache_sweep_interval", 30*time.Second)
	v.SetDefault("cache_snapshot_path", "")
	v.SetDefault("cache_snapshot_every", 0)
	v.SetDefault("cache_snapshot_min_remaining", 5*time.Minute)
	v.SetDefault("strategy", string(StrategyHealthBased))
	v.SetDefault("sticky_ttl", 5*time.Minute)
}

// bindSpecEnvVars binds the health-check and default-network settings to
// the literal environment variable names spec.md §6 specifies as the
// external configuration contract, overriding viper's GATEWAY_-prefixed
// AutomaticEnv lookup for just these keys (every other setting keeps the
// GATEWAY_ prefix).
func bindSpecEnvVars(v *viper.Viper) {
	_ = v.BindEnv("health_check_interval", "HEALTH_CHECK_INTERVAL")
	_ = v.BindEnv("health_check_timeout", "HEALTH_CHECK_TIMEOUT")
	_ = v.BindEnv("health_recovery_interval", "HEALTH_RECOVERY_INTERVAL")
	_ = v.BindEnv("health_check_endpoint", "HEALTH_CHECK_ENDPOINT")
	_ = v.BindEnv("health_failure_threshold", "HEALTH_FAILURE_THRESHOLD")
	_ = v.BindEnv("health_success_threshold", "HEALTH_SUCCESS_THRESHOLD")
	_ = v.BindEnv("default_network", "DEFAULT_NETWORK")
}

// loadDotEnv loads an optional .env file into the process environment
// before viper binds, matching the teacher's "environment variables are
// the source of truth, a file is just a convenience" approach.
func loadDotEnv(path string) {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

// processNodeEnvironment discovers per-node configuration from
// GATEWAY_NODE_<N>_* environment variables, following the teacher's
// parseServersFromEnv/createNodeFromURL discovery shape generalized
// from space-separated URL lists to indexed variable groups (this
// gateway's nodes need network/weight/priority/capabilities alongside
// the URL, which a flat URL list can't carry).
func processNodeEnvironment(v *viper.Viper, cfg *Config) error {
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("NODE_%d_", i)
		url := v.GetString(strings.ToLower(prefix + "URL"))
		if url == "" {
			break
		}

		id := v.GetString(strings.ToLower(prefix + "ID"))
		if id == "" {
			id = fmt.Sprintf("node-%d", i)
		}
		network := v.GetString(strings.ToLower(prefix + "NETWORK"))
		if network == "" {
			network = string(NetworkAvalancheFuji)
		}
		weight := v.GetInt(strings.ToLower(prefix + "WEIGHT"))
		if weight <= 0 {
			weight = 1
		}
		priority := v.GetInt(strings.ToLower(prefix + "PRIORITY"))
		capsRaw := v.GetString(strings.ToLower(prefix + "CAPABILITIES"))
		var caps []string
		if capsRaw != "" {
			caps = strings.Split(capsRaw, ",")
		}

		cfg.Nodes = append(cfg.Nodes, NodeConfig{
			ID:           id,
			URL:          url,
			Network:      Network(network),
			Weight:       weight,
			Priority:     priority,
			Capabilities: caps,
		})
	}
	return nil
}

// mergeNodesYAML appends nodes from an optional static file. A node id
// already present from the environment is left untouched — environment
// configuration wins, matching the teacher's env-first precedence.
func mergeNodesYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var f nodesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	existing := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		existing[n.ID] = true
	}
	for _, n := range f.Nodes {
		if existing[n.ID] {
			continue
		}
		cfg.Nodes = append(cfg.Nodes, n)
	}
	return nil
}

// Package config loads pipeline configuration from an optional config file
// plus environment variable overrides, with defaults that run against the
// local feed simulator out of the box.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline daemon.
type Config struct {
	Logging      LoggingConfig
	Metrics      MetricsConfig
	Redis        RedisConfig
	SQLite       SQLiteConfig
	Catalog      CatalogConfig
	Kafka        KafkaConfig
	Distribution DistributionConfig
	Pool         PoolConfig
	Providers    []ProviderConfig
	Registry     RegistryConfig
	Vendors      []VendorConfig
	Cache        CacheConfig
	Validation   ValidationConfig
	Alerting     AlertingConfig
	Pipeline     PipelineConfig
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string // debug, info, warn, error
}

// MetricsConfig holds the /metrics + /healthz listener address.
type MetricsConfig struct {
	Addr string
}

// RedisConfig holds the shared L2 cache connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SQLiteConfig holds the instrument catalog / alert journal path.
type SQLiteConfig struct {
	Path string
}

// CatalogConfig seeds the instrument catalog. Seed entries are written only
// when the catalog is empty; after that the sqlite rows are authoritative.
type CatalogConfig struct {
	Seed []InstrumentConfig
}

// InstrumentConfig describes one seed catalog entry.
type InstrumentConfig struct {
	Symbol   string
	Exchange string
	Name     string
	Priority int    // 1 (highest) .. 5 (lowest)
	Tier     string // starting validation tier: fast, cross_source or deep
}

// KafkaConfig holds the optional validated-tick egress settings.
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// DistributionConfig tunes symbol-to-pool allocation.
type DistributionConfig struct {
	HighFreqPerHour   int           // accesses/hour at or above which a symbol is high-frequency
	HighFreqMaxPrio   int           // priority at or below which a symbol is high-frequency
	PoolCapacity      int           // max symbols per capacity-limited pool
	RebalanceInterval time.Duration // periodic redistribution cadence
}

// PoolConfig tunes provider connection behavior.
type PoolConfig struct {
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // connection unhealthy once last heartbeat is older than this
	MaxErrors         int           // connection unhealthy above this error count
	ReconnectBase     time.Duration // backoff base: base * 2^(attempt-1)
	ReconnectMax      time.Duration
	MaxReconnects     int // attempts before the connection is left FAILED
}

// ProviderConfig describes one streaming upstream the pool may dial.
type ProviderConfig struct {
	ID          string
	URL         string
	APIKey      string
	TOTPSecret  string // when set, a fresh TOTP code is sent in the handshake
	Connections int    // connections to open against this provider
	Capacity    int    // max symbols per connection
}

// RegistryConfig tunes fallback source health tracking and failover.
type RegistryConfig struct {
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	WindowSize           int     // probes in the rolling availability window
	FailThreshold        int     // consecutive failures before a source is FAILED
	FailoverAvailability float64 // primary availability below this triggers failover
	FailoverCooldown     time.Duration
	MaxStaleness         time.Duration // normalizes the staleness penalty in scoring
	WeightAvailability   float64
	WeightAccuracy       float64
	WeightFreshness      float64
}

// VendorConfig describes one REST fallback data vendor.
type VendorConfig struct {
	ID      string
	BaseURL string
	APIKey  string
	Tier    string // secondary, tertiary or fallback
	Timeout time.Duration
}

// CacheConfig tunes the L1..L4 hierarchy.
type CacheConfig struct {
	L1TTL          time.Duration
	L1Capacity     int
	L1EvictFrac    float64 // fraction of entries evicted when full
	L1GrowthFactor float64 // capacity multiplier applied on low hit-rate
	L1MaxGrowth    float64 // capacity ceiling as a multiple of the base capacity

	L2TTL       time.Duration
	L2OpTimeout time.Duration

	L3Timeout time.Duration
	L4Timeout time.Duration

	WarmInterval time.Duration
	HotSymbols   []string

	MonitorInterval time.Duration
	MaxAvgLatencyMS float64 // monitor alert threshold
	MinHitRate      float64
	MaxErrorRate    float64

	BreakerMaxFailures  int // L2 circuit breaker
	BreakerResetTimeout time.Duration
}

// ValidationConfig tunes the tiered validation checks. Volatility and
// deviation thresholds live here rather than in code.
type ValidationConfig struct {
	MaxStaleness         time.Duration // fast: older data is flagged
	MaxTickJump          float64       // fast: tick-to-tick relative move limit
	CrossSourceTolerance float64       // cross: relative deviation vs reference
	VolatilitySigma      float64       // cross: deviations within this many σ are explained
	SparseTolerance      float64       // cross: fallback tolerance with sparse history
	MinHistory           int           // cross: observations needed before σ applies
	TrendDivergence      float64       // deep: divergence from rolling trend
	CorrelationBreak     float64       // deep: fraction of correlated symbols moving opposite
	ZScoreLimit          float64       // deep: z-score beyond this is an anomaly
	DeepWindow           int           // deep: observations in the z-score window

	OutcomeWindow    int                 // adaptive: recent outcomes tracked per symbol
	PromoteFailRate  float64             // adaptive: failure rate that promotes a tier
	DemoteFailRate   float64             // adaptive: failure rate that allows demotion
	AdaptInterval    time.Duration
	FastBudget       time.Duration       // adaptive: fast-tier processing budget
	CrossBudget      time.Duration       // adaptive: cross-tier processing budget
	DeepBudget       time.Duration       // adaptive: deep-tier processing budget
	CorrelatedGroups map[string][]string // static correlation groups by symbol
}

// AlertingConfig tunes alert delivery and the optional external sinks. The
// sqlite journal sink is always installed; the others are opt-in.
type AlertingConfig struct {
	QueueSize        int
	WebhookURL       string // when set, every alert is POSTed here as JSON
	RedisChannel     string // when set, every alert is published on this channel
	TelegramBotToken string // with TelegramChatID, alerts go to a telegram chat
	TelegramChatID   string
}

// PipelineConfig tunes orchestrator-level behavior.
type PipelineConfig struct {
	DefaultMaxAge      time.Duration // used when a request passes zero max age
	HandlerQueueSize   int           // per-handler dispatch buffer
	TickBuffer         int           // provider tick channel size
	SupervisorInterval time.Duration // connection supervision cadence
}

// LoadConfig loads configuration. path may be empty, in which case only
// defaults and environment variables apply. Environment overrides use
// underscore-separated keys, e.g. CACHE_L1CAPACITY.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	for _, p := range c.Providers {
		if p.ID == "" || p.URL == "" {
			return fmt.Errorf("config: provider entries need id and url")
		}
	}
	w := c.Registry.WeightAvailability + c.Registry.WeightAccuracy + c.Registry.WeightFreshness
	if w < 0.999 || w > 1.001 {
		return fmt.Errorf("config: registry score weights must sum to 1.0, got %.3f", w)
	}
	if c.Cache.L1Capacity <= 0 {
		return fmt.Errorf("config: cache.l1capacity must be positive")
	}
	if c.Distribution.PoolCapacity <= 0 {
		return fmt.Errorf("config: distribution.poolcapacity must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("sqlite.path", "data/mdpipeline.db")

	// First-run watchlist, matching the feed simulator's default symbols.
	v.SetDefault("catalog.seed", []map[string]interface{}{
		{"symbol": "RELIANCE", "exchange": "NSE", "priority": 1, "tier": "fast"},
		{"symbol": "TCS", "exchange": "NSE", "priority": 1, "tier": "fast"},
		{"symbol": "INFY", "exchange": "NSE", "priority": 2, "tier": "fast"},
		{"symbol": "HDFCBANK", "exchange": "NSE", "priority": 2, "tier": "fast"},
		{"symbol": "NIFTY50", "exchange": "NSE", "priority": 1, "tier": "cross_source"},
	})

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "market.ticks.validated")

	v.SetDefault("distribution.highfreqperhour", 100)
	v.SetDefault("distribution.highfreqmaxprio", 2)
	v.SetDefault("distribution.poolcapacity", 200)
	v.SetDefault("distribution.rebalanceinterval", "5m")

	v.SetDefault("pool.dialtimeout", "5s")
	v.SetDefault("pool.writetimeout", "5s")
	v.SetDefault("pool.heartbeatinterval", "10s")
	v.SetDefault("pool.heartbeattimeout", "30s")
	v.SetDefault("pool.maxerrors", 10)
	v.SetDefault("pool.reconnectbase", "500ms")
	v.SetDefault("pool.reconnectmax", "30s")
	v.SetDefault("pool.maxreconnects", 5)

	// Default provider: the local feed simulator, two connections.
	v.SetDefault("providers", []map[string]interface{}{
		{
			"id":          "feedsim",
			"url":         "ws://localhost:8081/ws",
			"connections": 2,
			"capacity":    200,
		},
	})

	v.SetDefault("registry.probeinterval", "10s")
	v.SetDefault("registry.probetimeout", "2s")
	v.SetDefault("registry.windowsize", 20)
	v.SetDefault("registry.failthreshold", 3)
	v.SetDefault("registry.failoveravailability", 0.8)
	v.SetDefault("registry.failovercooldown", "60s")
	v.SetDefault("registry.maxstaleness", "30s")
	v.SetDefault("registry.weightavailability", 0.4)
	v.SetDefault("registry.weightaccuracy", 0.3)
	v.SetDefault("registry.weightfreshness", 0.3)

	// Default vendor: the feed simulator's REST quote endpoint.
	v.SetDefault("vendors", []map[string]interface{}{
		{
			"id":      "simquote",
			"baseurl": "http://localhost:8082",
			"tier":    "fallback",
			"timeout": "3s",
		},
	})

	v.SetDefault("cache.l1ttl", "100ms")
	v.SetDefault("cache.l1capacity", 1000)
	v.SetDefault("cache.l1evictfrac", 0.10)
	v.SetDefault("cache.l1growthfactor", 1.5)
	v.SetDefault("cache.l1maxgrowth", 4.0)
	v.SetDefault("cache.l2ttl", "5s")
	v.SetDefault("cache.l2optimeout", "100ms")
	v.SetDefault("cache.l3timeout", "2s")
	v.SetDefault("cache.l4timeout", "3s")
	v.SetDefault("cache.warminterval", "500ms")
	v.SetDefault("cache.hotsymbols", []string{})
	v.SetDefault("cache.monitorinterval", "10s")
	v.SetDefault("cache.maxavglatencyms", 80.0)
	v.SetDefault("cache.minhitrate", 0.70)
	v.SetDefault("cache.maxerrorrate", 0.10)
	v.SetDefault("cache.breakermaxfailures", 5)
	v.SetDefault("cache.breakerresettimeout", "30s")

	v.SetDefault("validation.maxstaleness", "5m")
	v.SetDefault("validation.maxtickjump", 0.20)
	v.SetDefault("validation.crosssourcetolerance", 0.01)
	v.SetDefault("validation.volatilitysigma", 2.0)
	v.SetDefault("validation.sparsetolerance", 0.05)
	v.SetDefault("validation.minhistory", 10)
	v.SetDefault("validation.trenddivergence", 0.10)
	v.SetDefault("validation.correlationbreak", 0.50)
	v.SetDefault("validation.zscorelimit", 3.0)
	v.SetDefault("validation.deepwindow", 20)
	v.SetDefault("validation.outcomewindow", 10)
	v.SetDefault("validation.promotefailrate", 0.20)
	v.SetDefault("validation.demotefailrate", 0.05)
	v.SetDefault("validation.adaptinterval", "30s")
	v.SetDefault("validation.fastbudget", "5ms")
	v.SetDefault("validation.crossbudget", "20ms")
	v.SetDefault("validation.deepbudget", "50ms")

	v.SetDefault("alerting.queuesize", 256)
	v.SetDefault("alerting.webhookurl", "")
	v.SetDefault("alerting.redischannel", "alerts")
	v.SetDefault("alerting.telegrambottoken", "")
	v.SetDefault("alerting.telegramchatid", "")

	v.SetDefault("pipeline.defaultmaxage", "5s")
	v.SetDefault("pipeline.handlerqueuesize", 1024)
	v.SetDefault("pipeline.tickbuffer", 10000)
	v.SetDefault("pipeline.supervisorinterval", "5s")
}

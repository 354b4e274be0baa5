package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	TicksTotal     prometheus.Counter
	TicksDropped   prometheus.Counter
	FeedReconnects prometheus.Counter

	RequestsTotal prometheus.Counter
	RequestDur    prometheus.Histogram
	ServedTotal   *prometheus.CounterVec // labels: layer
	CacheHitRate  prometheus.Gauge
	L1Size        prometheus.Gauge
	L1Capacity    prometheus.Gauge

	// Redis circuit breaker
	BreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips prometheus.Counter

	// Validation
	ValidationTotal *prometheus.CounterVec // labels: status
	ValidationDur   prometheus.Histogram

	// Source registry
	FailoversTotal prometheus.Counter
	SourceScore    *prometheus.GaugeVec // labels: source

	// Handler fan-out backpressure
	HandlerDrops    *prometheus.CounterVec // labels: handler
	QueueSaturation *prometheus.GaugeVec   // labels: queue

	AlertsTotal *prometheus.CounterVec // labels: severity
}

// New registers and returns all pipeline metrics.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdpipeline_ticks_total",
			Help: "Total ticks received from feed connections",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdpipeline_ticks_dropped_total",
			Help: "Ticks dropped (malformed or ingest queue full)",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdpipeline_feed_reconnects_total",
			Help: "Total feed connection reconnect attempts",
		}),

		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdpipeline_requests_total",
			Help: "Total market data requests served",
		}),
		RequestDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdpipeline_request_duration_seconds",
			Help:    "Market data request latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		ServedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdpipeline_symbols_served_total",
			Help: "Symbols served per data layer",
		}, []string{"layer"}),
		CacheHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdpipeline_cache_hit_rate",
			Help: "Rolling cache hit rate (L1+L2 over all served symbols)",
		}),
		L1Size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdpipeline_l1_entries",
			Help: "Entries currently held in the memory cache",
		}),
		L1Capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdpipeline_l1_capacity",
			Help: "Current memory cache capacity",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdpipeline_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdpipeline_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		ValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdpipeline_validations_total",
			Help: "Validation outcomes by status",
		}, []string{"status"}),
		ValidationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdpipeline_validation_duration_seconds",
			Help:    "Per-tick validation latency",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),

		FailoversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdpipeline_source_failovers_total",
			Help: "Automatic data source failovers",
		}),
		SourceScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdpipeline_source_score",
			Help: "Composite health score per registered source",
		}, []string{"source"}),

		HandlerDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdpipeline_handler_drops_total",
			Help: "Ticks dropped per data handler queue",
		}, []string{"handler"}),
		QueueSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdpipeline_queue_saturation_pct",
			Help: "Queue fill percentage (len/cap * 100)",
		}, []string{"queue"}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdpipeline_alerts_total",
			Help: "Alerts raised by severity",
		}, []string{"severity"}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.TicksDropped,
		m.FeedReconnects,
		m.RequestsTotal,
		m.RequestDur,
		m.ServedTotal,
		m.CacheHitRate,
		m.L1Size,
		m.L1Capacity,
		m.BreakerState,
		m.BreakerTrips,
		m.ValidationTotal,
		m.ValidationDur,
		m.FailoversTotal,
		m.SourceScore,
		m.HandlerDrops,
		m.QueueSaturation,
		m.AlertsTotal,
	)

	return m
}

// HealthStatus represents the pipeline health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedHealthy    bool      `json:"feed_healthy"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	ActiveSource   string    `json:"active_source"`
	Subscribed     int       `json:"subscribed_symbols"`
	CacheHitRate   float64   `json:"cache_hit_rate"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	alertsFn func() []model.Alert
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedHealthy(v bool) {
	h.mu.Lock()
	h.FeedHealthy = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveSource(id string) {
	h.mu.Lock()
	h.ActiveSource = id
	h.mu.Unlock()
}

func (h *HealthStatus) SetSubscribed(n int) {
	h.mu.Lock()
	h.Subscribed = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetCacheHitRate(r float64) {
	h.mu.Lock()
	h.CacheHitRate = r
	h.mu.Unlock()
}

// SetAlertProvider wires the recent-alert feed into the health payload.
func (h *HealthStatus) SetAlertProvider(fn func() []model.Alert) {
	h.mu.Lock()
	h.alertsFn = fn
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedHealthy || !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	// No live feed and no fallback source selected: nothing can serve data.
	if !h.FeedHealthy && h.ActiveSource == "" {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	var recent []model.Alert
	if h.alertsFn != nil {
		recent = h.alertsFn()
	}

	status := struct {
		Status          string        `json:"status"`
		Uptime          string        `json:"uptime"`
		FeedHealthy     bool          `json:"feed_healthy"`
		LastTickTime    string        `json:"last_tick_time"`
		TickAge         string        `json:"tick_age"`
		ActiveSource    string        `json:"active_source"`
		Subscribed      int           `json:"subscribed_symbols"`
		CacheHitRate    float64       `json:"cache_hit_rate"`
		RedisConnected  bool          `json:"redis_connected"`
		RedisLatencyMs  float64       `json:"redis_latency_ms"`
		SQLiteOK        bool          `json:"sqlite_ok"`
		SQLiteLatencyMs float64       `json:"sqlite_latency_ms"`
		LastCheckAt     string        `json:"last_check_at"`
		RecentAlerts    []model.Alert `json:"recent_alerts,omitempty"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedHealthy:     h.FeedHealthy,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		ActiveSource:    h.ActiveSource,
		Subscribed:      h.Subscribed,
		CacheHitRate:    h.CacheHitRate,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
		RecentAlerts:    recent,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    *zap.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		log:    log.Named("metrics"),
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"mdpipeline/config"
	"mdpipeline/internal/alerting"
	"mdpipeline/internal/cache"
	"mdpipeline/internal/dispatch"
	"mdpipeline/internal/distribution"
	"mdpipeline/internal/egress"
	"mdpipeline/internal/logger"
	"mdpipeline/internal/metrics"
	"mdpipeline/internal/model"
	"mdpipeline/internal/pipeline"
	"mdpipeline/internal/pool"
	"mdpipeline/internal/registry"
	sqlitestore "mdpipeline/internal/store/sqlite"
	"mdpipeline/internal/validation"
	"mdpipeline/internal/vendor"
)

func main() {
	cfgPath := flag.String("config", "", "config file path (optional, env vars override)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog := logger.Init("mdpipeline", cfg.Logging.Level)
	defer zlog.Sync()
	zlog.Info("starting market data pipeline")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics + health surface ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	msrv := metrics.NewServer(cfg.Metrics.Addr, health, zlog)
	msrv.Start()

	// ---- Instrument catalog, alert journal, tick archive ----
	if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	store, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.SQLite.Path}, zlog)
	if err != nil {
		zlog.Fatal("sqlite open failed", zap.Error(err))
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	instruments, err := store.Instruments(true)
	if err != nil {
		zlog.Warn("instrument catalog load failed", zap.Error(err))
	}
	if len(instruments) == 0 && len(cfg.Catalog.Seed) > 0 {
		seed := make([]model.Instrument, 0, len(cfg.Catalog.Seed))
		for _, in := range cfg.Catalog.Seed {
			seed = append(seed, model.Instrument{
				Symbol:    in.Symbol,
				Exchange:  in.Exchange,
				Name:      in.Name,
				Priority:  in.Priority,
				WatchTier: model.ParseTier(in.Tier),
				Active:    true,
			})
		}
		if err := store.UpsertInstruments(seed); err != nil {
			zlog.Warn("catalog seed failed", zap.Error(err))
		} else if instruments, err = store.Instruments(true); err != nil {
			zlog.Warn("instrument catalog reload failed", zap.Error(err))
		} else {
			zlog.Info("seeded instrument catalog", zap.Int("instruments", len(instruments)))
		}
	}
	prios := make(map[string]int, len(instruments))
	symbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		prios[inst.Symbol] = inst.Priority
		symbols = append(symbols, inst.Symbol)
	}

	// ---- Symbol distribution ----
	dist := distribution.New(distribution.Config{
		HighFreqPerHour: cfg.Distribution.HighFreqPerHour,
		HighFreqMaxPrio: cfg.Distribution.HighFreqMaxPrio,
		PoolCapacity:    cfg.Distribution.PoolCapacity,
	})
	dist.SeedPriorities(prios)

	// ---- Provider connection pool ----
	providers := make([]pool.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, pool.Provider{
			ID:          p.ID,
			URL:         p.URL,
			APIKey:      p.APIKey,
			TOTPSecret:  p.TOTPSecret,
			Connections: p.Connections,
			Capacity:    p.Capacity,
		})
	}
	feed, err := pool.New(pool.Config{
		DialTimeout:       cfg.Pool.DialTimeout,
		WriteTimeout:      cfg.Pool.WriteTimeout,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Pool.HeartbeatTimeout,
		MaxErrors:         cfg.Pool.MaxErrors,
		ReconnectBase:     cfg.Pool.ReconnectBase,
		ReconnectMax:      cfg.Pool.ReconnectMax,
		MaxReconnects:     cfg.Pool.MaxReconnects,
	}, providers, zlog)
	if err != nil {
		zlog.Fatal("pool init failed", zap.Error(err))
	}
	defer feed.Close()

	// ---- Source registry: providers as primary, vendors behind them ----
	reg := registry.New(registry.Config{
		ProbeInterval:        cfg.Registry.ProbeInterval,
		ProbeTimeout:         cfg.Registry.ProbeTimeout,
		WindowSize:           cfg.Registry.WindowSize,
		FailThreshold:        cfg.Registry.FailThreshold,
		FailoverAvailability: cfg.Registry.FailoverAvailability,
		FailoverCooldown:     cfg.Registry.FailoverCooldown,
		MaxStaleness:         cfg.Registry.MaxStaleness,
		WeightAvailability:   cfg.Registry.WeightAvailability,
		WeightAccuracy:       cfg.Registry.WeightAccuracy,
		WeightFreshness:      cfg.Registry.WeightFreshness,
	}, zlog)
	for _, p := range cfg.Providers {
		reg.Register(p.ID, registry.TierPrimary,
			pipeline.NewPoolSource(feed, p.ID, cfg.Pipeline.DefaultMaxAge))
	}
	for _, vc := range cfg.Vendors {
		client := vendor.New(vc.ID, vc.BaseURL, vc.APIKey, vc.Timeout, zlog)
		reg.Register(vc.ID, registry.ParseTier(vc.Tier), pipeline.NewVendorSource(client))
	}

	// ---- Cache hierarchy ----
	hier := cache.New(cache.Config{
		L1TTL:       cfg.Cache.L1TTL,
		L1Capacity:  cfg.Cache.L1Capacity,
		L1EvictFrac: cfg.Cache.L1EvictFrac,
		L1Growth:    cfg.Cache.L1GrowthFactor,
		L1MaxGrowth: cfg.Cache.L1MaxGrowth,
		L2: cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		L2TTL:               cfg.Cache.L2TTL,
		L2OpTimeout:         cfg.Cache.L2OpTimeout,
		L3Timeout:           cfg.Cache.L3Timeout,
		L4Timeout:           cfg.Cache.L4Timeout,
		WarmInterval:        cfg.Cache.WarmInterval,
		HotSymbols:          cfg.Cache.HotSymbols,
		MonitorInterval:     cfg.Cache.MonitorInterval,
		MaxAvgLatency:       time.Duration(cfg.Cache.MaxAvgLatencyMS * float64(time.Millisecond)),
		MinHitRate:          cfg.Cache.MinHitRate,
		MaxErrorRate:        cfg.Cache.MaxErrorRate,
		BreakerMaxFailures:  cfg.Cache.BreakerMaxFailures,
		BreakerResetTimeout: cfg.Cache.BreakerResetTimeout,
	}, pipeline.NewPoolCache(feed), reg, zlog)
	defer hier.Close()

	// ---- Validation ----
	val := validation.New(validation.Config{
		MaxStaleness:     cfg.Validation.MaxStaleness,
		MaxTickJump:      cfg.Validation.MaxTickJump,
		CrossTolerance:   cfg.Validation.CrossSourceTolerance,
		SigmaBand:        cfg.Validation.VolatilitySigma,
		SparseTolerance:  cfg.Validation.SparseTolerance,
		MinHistory:       cfg.Validation.MinHistory,
		TrendDivergence:  cfg.Validation.TrendDivergence,
		CorrelationBreak: cfg.Validation.CorrelationBreak,
		ZScoreLimit:      cfg.Validation.ZScoreLimit,
		DeepWindow:       cfg.Validation.DeepWindow,
		OutcomeWindow:    cfg.Validation.OutcomeWindow,
		PromoteFailRate:  cfg.Validation.PromoteFailRate,
		DemoteFailRate:   cfg.Validation.DemoteFailRate,
		AdaptInterval:    cfg.Validation.AdaptInterval,
		FastBudget:       cfg.Validation.FastBudget,
		CrossBudget:      cfg.Validation.CrossBudget,
		DeepBudget:       cfg.Validation.DeepBudget,
		Groups:           cfg.Validation.CorrelatedGroups,
	}, zlog)
	val.SeedTiers(instruments)

	// ---- Alert delivery ----
	alerts := alerting.New(alerting.Config{QueueSize: cfg.Alerting.QueueSize}, zlog)
	alerts.AddSink(alerting.SinkFunc(store.InsertAlert))
	if cfg.Alerting.RedisChannel != "" {
		rsink := alerting.NewRedisSink(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Alerting.RedisChannel)
		defer rsink.Close()
		alerts.AddSink(rsink)
	}
	if cfg.Alerting.WebhookURL != "" {
		alerts.AddSink(alerting.NewWebhookSink(cfg.Alerting.WebhookURL))
	}
	if cfg.Alerting.TelegramBotToken != "" && cfg.Alerting.TelegramChatID != "" {
		alerts.AddSink(alerting.NewTelegramSink(cfg.Alerting.TelegramBotToken, cfg.Alerting.TelegramChatID))
	}

	// ---- Orchestrator ----
	disp := dispatch.New(cfg.Pipeline.HandlerQueueSize, zlog)
	pl, err := pipeline.New(pipeline.Config{
		DefaultMaxAge:      cfg.Pipeline.DefaultMaxAge,
		TickBuffer:         cfg.Pipeline.TickBuffer,
		SupervisorInterval: cfg.Pipeline.SupervisorInterval,
		RebalanceInterval:  cfg.Distribution.RebalanceInterval,
	}, pipeline.Deps{
		Distribution: dist,
		Feed:         feed,
		Registry:     reg,
		Cache:        hier,
		Validator:    val,
		Dispatch:     disp,
		Alerts:       alerts,
		Metrics:      prom,
		Health:       health,
	}, zlog)
	if err != nil {
		zlog.Fatal("pipeline init failed", zap.Error(err))
	}

	// Tick flow and connection lifecycle run through the orchestrator.
	feed.OnTick = pl.Ingest
	feed.OnConnStateChange = pl.ConnStateChanged
	feed.OnConnDown = func(id string, lastErr error) {
		zlog.Error("connection exhausted reconnects", zap.String("conn", id), zap.Error(lastErr))
	}

	// ---- Tick archive (off hot path) ----
	archiveCh := make(chan model.Tick, 4096)
	pl.AddDataHandler(func(t model.Tick) {
		select {
		case archiveCh <- t:
		default:
		}
	})
	go store.RunArchiver(ctx, archiveCh)

	// ---- Optional kafka egress ----
	if cfg.Kafka.Enabled {
		pub := egress.New(egress.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, zlog)
		defer pub.Close()
		pl.AddDataHandler(pub.Handler())
		go pub.Run(ctx)
		zlog.Info("kafka egress enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// ---- Liveness probes ----
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		zlog.Warn("redis unreachable, continuing without shared cache", zap.Error(err))
		health.SetRedisConnected(false)
	} else {
		health.SetRedisConnected(true)
	}
	pingCancel()
	health.StartLivenessChecker(ctx, rdb, store.DB(), 10*time.Second)

	// ---- Connect and subscribe the catalog ----
	if up := feed.Start(ctx); up == 0 {
		zlog.Warn("no provider connections up yet, supervision will keep retrying")
	}
	if len(symbols) > 0 && !pl.Subscribe(symbols) {
		zlog.Warn("catalog subscribe incomplete", zap.Int("symbols", len(symbols)))
	}

	done := make(chan struct{})
	go func() {
		pl.Run(ctx)
		close(done)
	}()

	zlog.Info("pipeline ready",
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("vendors", len(cfg.Vendors)),
		zap.Int("catalog_symbols", len(symbols)),
		zap.String("metrics_addr", cfg.Metrics.Addr))

	// ---- Wait for shutdown ----
	<-sigCh
	zlog.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	msrv.Stop(shutdownCtx)
	select {
	case <-done:
	case <-shutdownCtx.Done():
		zlog.Warn("pipeline did not stop before shutdown deadline")
	}
	zlog.Info("shutdown complete")
}

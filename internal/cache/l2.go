package cache

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

const l2KeyPrefix = "tick:latest:"

// RedisConfig locates the shared cache instance.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// L2 is the shared redis tick cache. Every operation runs through the
// circuit breaker: when redis degrades the breaker opens and lookups skip
// the layer instead of stacking timeouts.
type L2 struct {
	client  *goredis.Client
	breaker *Breaker
	ttl     time.Duration
	log     *zap.Logger
}

// NewL2 connects the client and probes it once. An unreachable redis is
// logged, not fatal: the breaker keeps the layer skippable until it heals.
func NewL2(cfg RedisConfig, ttl time.Duration, breaker *Breaker, log *zap.Logger) *L2 {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	l := &L2{client: client, breaker: breaker, ttl: ttl, log: log.Named("l2")}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		l.log.Warn("redis unreachable, layer starts degraded",
			zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		l.log.Info("redis connected", zap.String("addr", cfg.Addr))
	}
	return l
}

// Get MGETs symbols in one round trip and returns hits plus the symbols
// it misses. A failed or rejected call reports every symbol as missing.
func (l *L2) Get(ctx context.Context, symbols []string) ([]model.Tick, []string, error) {
	if len(symbols) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = l2KeyPrefix + s
	}

	var vals []interface{}
	err := l.breaker.Execute(func() error {
		res, mgetErr := l.client.MGet(ctx, keys...).Result()
		if mgetErr != nil {
			return mgetErr
		}
		vals = res
		return nil
	})
	if err != nil {
		return nil, symbols, err
	}

	var hits []model.Tick
	var missing []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, symbols[i])
			continue
		}
		var t model.Tick
		if jsonErr := json.Unmarshal([]byte(s), &t); jsonErr != nil {
			missing = append(missing, symbols[i])
			continue
		}
		hits = append(hits, t)
	}
	return hits, missing, nil
}

// Put SETs every tick with the layer TTL in one pipeline.
func (l *L2) Put(ctx context.Context, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	return l.breaker.Execute(func() error {
		pipe := l.client.Pipeline()
		for _, t := range ticks {
			pipe.Set(ctx, l2KeyPrefix+t.Symbol, string(t.JSON()), l.ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Breaker exposes the layer's circuit breaker.
func (l *L2) Breaker() *Breaker { return l.breaker }

// Close closes the redis client.
func (l *L2) Close() error { return l.client.Close() }

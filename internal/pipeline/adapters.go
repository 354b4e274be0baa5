package pipeline

import (
	"context"
	"time"

	"mdpipeline/internal/cache"
	"mdpipeline/internal/model"
	"mdpipeline/internal/pool"
	"mdpipeline/internal/registry"
	"mdpipeline/internal/vendor"
)

// poolCache adapts the pool's map-based fetch to the slice surface the
// cache hierarchy consumes.
type poolCache struct {
	p *pool.Pool
}

// NewPoolCache wraps a pool as the cache hierarchy's live layer.
func NewPoolCache(p *pool.Pool) cache.Authoritative {
	return poolCache{p: p}
}

func (a poolCache) Fetch(ctx context.Context, symbols []string, maxAge time.Duration) ([]model.Tick, error) {
	got, err := a.p.Fetch(ctx, symbols, maxAge)
	ticks := make([]model.Tick, 0, len(got))
	for _, t := range got {
		ticks = append(ticks, t)
	}
	return ticks, err
}

func (a poolCache) AnyHealthy() bool { return a.p.AnyHealthy() }

// poolSource registers one provider's slice of the live pool as a
// primary-tier registry source so tier failover and availability scoring
// cover it. Fetches go through the whole pool; probes reflect only this
// provider's connections.
type poolSource struct {
	p      *pool.Pool
	id     string
	maxAge time.Duration
}

// NewPoolSource wraps a pool for registry registration under providerID.
func NewPoolSource(p *pool.Pool, providerID string, maxAge time.Duration) registry.Fetcher {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return poolSource{p: p, id: providerID, maxAge: maxAge}
}

func (s poolSource) Fetch(ctx context.Context, symbols []string) ([]model.Tick, error) {
	got, err := s.p.Fetch(ctx, symbols, s.maxAge)
	if err != nil {
		return nil, err
	}
	if len(got) == 0 {
		return nil, pool.ErrUnavailable
	}
	ticks := make([]model.Tick, 0, len(got))
	for _, t := range got {
		ticks = append(ticks, t)
	}
	return ticks, nil
}

func (s poolSource) Probe(_ context.Context) error {
	if s.p.ProviderHealthy(s.id) {
		return nil
	}
	return pool.ErrUnavailable
}

// vendorSource adapts a REST vendor client to the registry fetcher.
type vendorSource struct {
	c *vendor.Client
}

// NewVendorSource wraps a vendor client for registry registration.
func NewVendorSource(c *vendor.Client) registry.Fetcher {
	return vendorSource{c: c}
}

func (s vendorSource) Fetch(ctx context.Context, symbols []string) ([]model.Tick, error) {
	return s.c.Quotes(ctx, symbols)
}

func (s vendorSource) Probe(ctx context.Context) error {
	return s.c.Probe(ctx)
}

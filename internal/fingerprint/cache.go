package fingerprint

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/locsync/internal/model"
)

// Cache maps fingerprints to enrichment results. Get returns nil with a nil
// error on a miss.
type Cache interface {
	Get(ctx context.Context, fp string) (*model.Enrichment, error)
	Put(ctx context.Context, fp string, e *model.Enrichment) error
}

// Backend is the durable store's cache table.
type Backend interface {
	GetCachedEnrichment(ctx context.Context, fp string) (*model.Enrichment, error)
	PutCachedEnrichment(ctx context.Context, fp string, e *model.Enrichment) error
}

type backendCache struct{ b Backend }

// FromBackend adapts the store's cache table to Cache.
func FromBackend(b Backend) Cache { return backendCache{b: b} }

func (c backendCache) Get(ctx context.Context, fp string) (*model.Enrichment, error) {
	return c.b.GetCachedEnrichment(ctx, fp)
}

func (c backendCache) Put(ctx context.Context, fp string, e *model.Enrichment) error {
	return c.b.PutCachedEnrichment(ctx, fp, e)
}

// Tier is one named layer of a Tiered cache.
type Tier struct {
	Name  string
	Cache Cache
}

// Tiered reads tiers in order and writes all of them. Tier errors are logged
// and treated as misses: the cache is an optimization, so an unavailable tier
// only costs an extra enrichment call.
type Tiered struct {
	tiers []Tier
	log   *zap.Logger
}

// NewTiered builds a Tiered cache. Nil tier caches are skipped.
func NewTiered(tiers ...Tier) *Tiered {
	t := &Tiered{log: zap.L().With(zap.String("component", "fingerprint_cache"))}
	for _, tier := range tiers {
		if tier.Cache != nil {
			t.tiers = append(t.tiers, tier)
		}
	}
	return t
}

// Get returns the first hit, back-filling the faster tiers that missed.
func (t *Tiered) Get(ctx context.Context, fp string) (*model.Enrichment, error) {
	for i, tier := range t.tiers {
		e, err := tier.Cache.Get(ctx, fp)
		if err != nil {
			t.log.Warn("cache tier lookup failed",
				zap.String("tier", tier.Name),
				zap.String("fingerprint", Short(fp)),
				zap.Error(err),
			)
			continue
		}
		if e == nil {
			continue
		}
		for _, missed := range t.tiers[:i] {
			if err := missed.Cache.Put(ctx, fp, e); err != nil {
				t.log.Debug("cache backfill failed", zap.String("tier", missed.Name), zap.Error(err))
			}
		}
		return e, nil
	}
	return nil, nil
}

// Put writes every tier. It never fails.
func (t *Tiered) Put(ctx context.Context, fp string, e *model.Enrichment) error {
	for _, tier := range t.tiers {
		if err := tier.Cache.Put(ctx, fp, e); err != nil {
			t.log.Warn("cache tier store failed",
				zap.String("tier", tier.Name),
				zap.String("fingerprint", Short(fp)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*model.Enrichment
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*model.Enrichment)}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, fp string) (*model.Enrichment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[fp].Clone(), nil
}

// Put implements Cache.
func (m *Memory) Put(_ context.Context, fp string, e *model.Enrichment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fp] = e.Clone()
	return nil
}

// Len returns the number of cached fingerprints.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

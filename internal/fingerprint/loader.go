package fingerprint

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/locsync/internal/model"
)

// Source says where a Loader result came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceProvider Source = "provider"
)

// Loader guards the enrichment provider: the cache is consulted first, and
// concurrent loads of the same fingerprint in this process share one
// provider call.
type Loader struct {
	cache Cache
	group singleflight.Group
}

// NewLoader wraps cache. A nil cache disables lookups but keeps call sharing.
func NewLoader(cache Cache) *Loader {
	return &Loader{cache: cache}
}

type loaded struct {
	enrichment *model.Enrichment
	source     Source
}

// Load returns the cached result for fp or calls compute and caches what it
// returns. Cache failures fall through to compute.
func (l *Loader) Load(ctx context.Context, fp string, compute func(ctx context.Context) (*model.Enrichment, error)) (*model.Enrichment, Source, error) {
	v, err, _ := l.group.Do(fp, func() (any, error) {
		if l.cache != nil {
			e, err := l.cache.Get(ctx, fp)
			if err != nil {
				zap.L().Warn("fingerprint cache unavailable, calling provider",
					zap.String("fingerprint", Short(fp)),
					zap.Error(err),
				)
			} else if e != nil {
				return loaded{enrichment: e, source: SourceCache}, nil
			}
		}

		e, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if l.cache != nil {
			if err := l.cache.Put(ctx, fp, e); err != nil {
				zap.L().Warn("fingerprint cache store failed",
					zap.String("fingerprint", Short(fp)),
					zap.Error(err),
				)
			}
		}
		return loaded{enrichment: e, source: SourceProvider}, nil
	})
	if err != nil {
		return nil, "", err
	}
	res := v.(loaded)
	return res.enrichment.Clone(), res.source, nil
}

package modules

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/storage"
)

// DefaultCacheTTL bounds how long a worker serves registry rows written by
// another process
const DefaultCacheTTL = 30 * time.Second

const cacheEntries = 512

// record is an immutable snapshot of a registry row
type record struct {
	id     int64
	values map[string]interface{}
}

func snapshot(entities []*entity.Entity) []record {
	out := make([]record, len(entities))
	for i, e := range entities {
		out[i] = record{id: e.ID(), values: e.Values()}
	}
	return out
}

// rowCache holds registry lookups for one process. Reads inside a
// transaction bypass it so that they see uncommitted registry changes.
type rowCache struct {
	cache   *lru.LRU[string, []record]
	fill    singleflight.Group
	metrics *observability.Metrics
}

func newRowCache(ttl time.Duration) *rowCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &rowCache{cache: lru.NewLRU[string, []record](cacheEntries, nil, ttl)}
}

func (c *rowCache) get(ctx context.Context, key string, load func(ctx context.Context) ([]*entity.Entity, error)) ([]record, error) {
	if storage.CurrentTx(ctx) != nil {
		entities, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return snapshot(entities), nil
	}

	if recs, ok := c.cache.Get(key); ok {
		if c.metrics != nil {
			c.metrics.RegistryCacheHits.Inc()
		}
		return recs, nil
	}
	if c.metrics != nil {
		c.metrics.RegistryCacheMisses.Inc()
	}

	v, err, _ := c.fill.Do(key, func() (interface{}, error) {
		entities, err := load(ctx)
		if err != nil {
			return nil, err
		}
		recs := snapshot(entities)
		c.cache.Add(key, recs)
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]record), nil
}

func (c *rowCache) purge() {
	c.cache.Purge()
}

// Package authors batches author display lookups behind a short-lived cache.
package authors

import (
	"context"
	"sync"
	"time"

	"github.com/ButyrinIA/remy/internal/models"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/jellydator/ttlcache/v3"
)

// Source resolves author display records by user id.
type Source interface {
	GetAuthors(ctx context.Context, ids []string) (map[string]*models.Author, error)
}

type Loader struct {
	loader *dataloader.Loader[string, *models.Author]
	cache  *ttlcache.Cache[string, dataloader.Thunk[*models.Author]]
	stop   sync.Once
}

// NewLoader batches lookups arriving within wait of each other and keeps
// results for ttl.
func NewLoader(src Source, ttl, wait time.Duration) *Loader {
	cache := ttlcache.New(ttlcache.WithTTL[string, dataloader.Thunk[*models.Author]](ttl))
	go cache.Start()

	batch := func(ctx context.Context, ids []string) []*dataloader.Result[*models.Author] {
		results := make([]*dataloader.Result[*models.Author], len(ids))
		found, err := src.GetAuthors(ctx, ids)
		for i, id := range ids {
			if err != nil {
				results[i] = &dataloader.Result[*models.Author]{Error: err}
				continue
			}
			// unknown users resolve to nil, not an error
			results[i] = &dataloader.Result[*models.Author]{Data: found[id]}
		}
		return results
	}

	return &Loader{
		loader: dataloader.NewBatchedLoader(batch,
			dataloader.WithCache[string, *models.Author](&thunkCache{c: cache}),
			dataloader.WithWait[string, *models.Author](wait),
		),
		cache: cache,
	}
}

// Load returns the author with id, or nil when there is none.
func (l *Loader) Load(ctx context.Context, id string) (*models.Author, error) {
	a, err := l.loader.Load(ctx, id)()
	if err != nil {
		// keep failures out of the cache
		l.loader.Clear(ctx, id)
		return nil, err
	}
	return a, nil
}

// Forget drops a cached author, e.g. after a profile change.
func (l *Loader) Forget(ctx context.Context, id string) {
	l.loader.Clear(ctx, id)
}

func (l *Loader) Close() {
	l.stop.Do(l.cache.Stop)
}

// thunkCache adapts ttlcache to the dataloader cache contract.
type thunkCache struct {
	c *ttlcache.Cache[string, dataloader.Thunk[*models.Author]]
}

func (t *thunkCache) Get(_ context.Context, key string) (dataloader.Thunk[*models.Author], bool) {
	item := t.c.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (t *thunkCache) Set(_ context.Context, key string, value dataloader.Thunk[*models.Author]) {
	t.c.Set(key, value, ttlcache.DefaultTTL)
}

func (t *thunkCache) Delete(_ context.Context, key string) bool {
	if t.c.Get(key) == nil {
		return false
	}
	t.c.Delete(key)
	return true
}

func (t *thunkCache) Clear() {
	t.c.DeleteAll()
}

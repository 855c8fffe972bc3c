package llm

import (
	"context"
	"sync"
	"time"
)

// DefaultCatalogTTL is how long a fetched model list is served from cache.
const DefaultCatalogTTL = 5 * time.Minute

// ModelLister fetches the model IDs a provider offers.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ModelCatalog caches a ModelLister's result for a TTL. Failed fetches are
// not cached. Safe for concurrent use.
type ModelCatalog struct {
	lister ModelLister
	ttl    time.Duration

	mu        sync.Mutex
	models    []string
	fetchedAt time.Time
	nowFunc   func() time.Time
}

// NewModelCatalog returns a catalog over lister; ttl <= 0 uses DefaultCatalogTTL.
func NewModelCatalog(lister ModelLister, ttl time.Duration) *ModelCatalog {
	if lister == nil {
		panic("catalog: lister must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	return &ModelCatalog{lister: lister, ttl: ttl, nowFunc: time.Now}
}

// Models returns the cached list, fetching it when missing or expired.
func (c *ModelCatalog) Models(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if c.models != nil && now.Sub(c.fetchedAt) < c.ttl {
		return append([]string(nil), c.models...), nil
	}
	models, err := c.lister.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	if models == nil {
		models = []string{}
	}
	c.models, c.fetchedAt = models, now
	return append([]string(nil), models...), nil
}

// Clear drops the cached list.
func (c *ModelCatalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = nil
	c.fetchedAt = time.Time{}
}

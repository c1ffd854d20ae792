package manage

import (
	"context"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/bytedance/sonic"
)

// CacheConf holds the settings of the provider cache
type CacheConf struct {
	MaxBytes int           // default 16MB
	TTL      time.Duration // default 5 minutes
}

// CachedCatalog serves repeated lookups of the same entry from a local cache.
// Missing entries and failures are never cached.
type CachedCatalog struct {
	next  Catalog
	cache *fastcache.Cache
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	ExpiresAt int64    `json:"expires_at"`
	Provider  Provider `json:"provider"`
}

// NewCachedCatalog wraps next with a fastcache backed cache
func NewCachedCatalog(next Catalog, conf CacheConf) *CachedCatalog {
	maxBytes := conf.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 16 * 1024 * 1024
	}
	ttl := conf.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{
		next:  next,
		cache: fastcache.New(maxBytes),
		ttl:   ttl,
		now:   time.Now,
	}
}

// ProviderByID returns the cached entry when present and fresh, else asks next
func (c *CachedCatalog) ProviderByID(ctx context.Context, entityType, id string) (Provider, error) {
	key := cacheKey(entityType, id)

	if raw, ok := c.cache.HasGet(nil, key); ok {
		var entry cacheEntry
		if err := sonic.Unmarshal(raw, &entry); err == nil && c.now().Unix() < entry.ExpiresAt {
			return entry.Provider, nil
		}
		c.cache.Del(key)
	}

	provider, err := c.next.ProviderByID(ctx, entityType, id)
	if err != nil {
		return nil, err
	}

	raw, err := sonic.Marshal(cacheEntry{ExpiresAt: c.now().Add(c.ttl).Unix(), Provider: provider})
	if err == nil {
		c.cache.Set(key, raw)
	}
	return provider, nil
}

// cacheKey prefixes the entity type with its length so that no type and id
// pair can collide with another, whatever characters either contains
func cacheKey(entityType, id string) []byte {
	return []byte(strconv.Itoa(len(entityType)) + ":" + entityType + id)
}

// Reset drops all cached entries
func (c *CachedCatalog) Reset() {
	c.cache.Reset()
}

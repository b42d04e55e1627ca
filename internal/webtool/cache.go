package webtool

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheEntries = 128
	defaultCacheTTL     = 10 * time.Minute
)

// resultCache keeps recent tool outputs so repeated lookups within a
// conversation do not hit the network twice.
type resultCache struct {
	lru *expirable.LRU[string, string]
}

func newResultCache(entries int, ttl time.Duration) *resultCache {
	if entries <= 0 {
		entries = defaultCacheEntries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &resultCache{lru: expirable.NewLRU[string, string](entries, nil, ttl)}
}

func (c *resultCache) get(key string) (string, bool) {
	return c.lru.Get(key)
}

func (c *resultCache) set(key, value string) {
	c.lru.Add(key, value)
}

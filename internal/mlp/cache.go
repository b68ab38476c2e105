package mlp

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// responseCache memoizes parsed GET responses so repeated idempotent reads
// within one process do not hit the provider again. Keys are request paths;
// mutations invalidate by path prefix.
type responseCache struct {
	c *gocache.Cache
}

func newResponseCache(ttl time.Duration) *responseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &responseCache{c: gocache.New(ttl, 2*ttl)}
}

func (rc *responseCache) get(key string) ([]byte, bool) {
	v, ok := rc.c.Get(key)
	if !ok {
		return nil, false
	}
	body, ok := v.([]byte)
	return body, ok
}

func (rc *responseCache) set(key string, body []byte) {
	rc.c.Set(key, body, gocache.DefaultExpiration)
}

// invalidatePrefix drops every cached response whose key starts with any of
// the given prefixes.
func (rc *responseCache) invalidatePrefix(prefixes ...string) {
	for key := range rc.c.Items() {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				rc.c.Delete(key)
				break
			}
		}
	}
}

func (rc *responseCache) flush() {
	rc.c.Flush()
}

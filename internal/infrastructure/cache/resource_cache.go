package cache

import (
	"net/http"
	"strings"
	"time"

	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	gocache "github.com/patrickmn/go-cache"
)

// Entry is one cached controller response.
type Entry struct {
	Body   []byte
	Header http.Header
}

// ResourceCache keeps the last controller GET response per request path, used
// to revalidate with its ETag. It is the target of should_invalidate
// notifications.
type ResourceCache struct {
	items  *gocache.Cache
	logger *logger.Logger
}

// New returns a cache whose entries live for ttl. A non-positive ttl keeps
// entries until they are invalidated.
func New(ttl time.Duration, log *logger.Logger) *ResourceCache {
	if log == nil {
		log = logger.NewNop()
	}
	cleanup := 2 * ttl
	if ttl <= 0 {
		ttl = gocache.NoExpiration
		cleanup = 0
	}
	return &ResourceCache{items: gocache.New(ttl, cleanup), logger: log}
}

func (c *ResourceCache) Get(key string) (Entry, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		return Entry{}, false
	}
	e, ok := v.(Entry)
	return e, ok
}

func (c *ResourceCache) Set(key string, e Entry) {
	c.items.SetDefault(key, e)
}

// Invalidate drops every entry whose key starts with one of prefixes and
// returns how many were dropped.
func (c *ResourceCache) Invalidate(prefixes []string) int {
	dropped := 0
	for key := range c.items.Items() {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				c.items.Delete(key)
				dropped++
				break
			}
		}
	}
	c.logger.Debugw("cache_invalidated", "prefixes", prefixes, "dropped", dropped)
	return dropped
}

func (c *ResourceCache) Len() int {
	return c.items.ItemCount()
}

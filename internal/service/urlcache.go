// urlcache.go — кэш подписанных URL.
// Обёртка над hashicorp/golang-lru/v2/expirable. Запись живёт половину
// TTL подписи, поэтому выданный из кэша URL действует ещё не меньше
// половины исходного срока.
package service

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики кэша URL.
var (
	urlCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_url_cache_hits_total",
		Help: "Общее количество попаданий в кэш подписанных URL.",
	})
	urlCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_url_cache_misses_total",
		Help: "Общее количество промахов кэша подписанных URL.",
	})
)

// SignedURL — подписанный URL и момент истечения подписи.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

const keySep = "\x00"

// URLCache — LRU-кэш подписанных URL по ключу (blob, Content-Disposition).
// Нулевой указатель — рабочий отключённый кэш.
type URLCache struct {
	cache *expirable.LRU[string, SignedURL]
}

// NewURLCache создаёт кэш на maxSize записей с временем жизни ttl.
func NewURLCache(maxSize int, ttl time.Duration) *URLCache {
	if maxSize <= 0 || ttl <= 0 {
		return nil
	}
	return &URLCache{cache: expirable.NewLRU[string, SignedURL](maxSize, nil, ttl)}
}

// Get возвращает URL из кэша.
func (c *URLCache) Get(blobID, disposition string) (SignedURL, bool) {
	if c == nil {
		return SignedURL{}, false
	}
	v, ok := c.cache.Get(blobID + keySep + disposition)
	if ok {
		urlCacheHitsTotal.Inc()
		return v, true
	}
	urlCacheMissesTotal.Inc()
	return SignedURL{}, false
}

// Set сохраняет URL.
func (c *URLCache) Set(blobID, disposition string, u SignedURL) {
	if c == nil {
		return
	}
	c.cache.Add(blobID+keySep+disposition, u)
}

// InvalidateBlob удаляет все URL указанного blob.
func (c *URLCache) InvalidateBlob(blobID string) {
	if c == nil {
		return
	}
	prefix := blobID + keySep
	for _, k := range c.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.cache.Remove(k)
		}
	}
}

// Len возвращает количество записей.
func (c *URLCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

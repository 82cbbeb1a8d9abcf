// Пакет service — бизнес-логика Delta Module.
// OkDeltaCache — LRU-кэш закрытых дельт с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dm_cache_hits_total",
		Help: "Общее количество попаданий в кэш закрытых дельт.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dm_cache_misses_total",
		Help: "Общее количество промахов кэша закрытых дельт.",
	})
)

// OkDeltaCache — кэш закрытых дельт по (витрина, номер).
// Закрытая дельта неизменна, пока номер не освобождён откатом, а откат
// закрытые дельты не затрагивает, поэтому инвалидация не требуется.
type OkDeltaCache struct {
	cache *expirable.LRU[string, *model.OkDelta]
}

// NewOkDeltaCache создаёт кэш. maxSize <= 0 — кэш без ограничения размера.
func NewOkDeltaCache(maxSize int, ttl time.Duration) *OkDeltaCache {
	return &OkDeltaCache{cache: expirable.NewLRU[string, *model.OkDelta](maxSize, nil, ttl)}
}

// Get возвращает закрытую дельту из кэша.
func (c *OkDeltaCache) Get(dm string, num int64) (*model.OkDelta, bool) {
	val, ok := c.cache.Get(cacheKey(dm, num))
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет закрытую дельту.
func (c *OkDeltaCache) Set(dm string, ok *model.OkDelta) {
	c.cache.Add(cacheKey(dm, ok.DeltaNum), ok)
}

// Len возвращает количество записей.
func (c *OkDeltaCache) Len() int {
	return c.cache.Len()
}

func cacheKey(dm string, num int64) string {
	return dm + "/" + strconv.FormatInt(num, 10)
}

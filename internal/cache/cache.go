// Package cache implements the bounded read-through cache in front of the
// search protocol's dataFromId lookup (A5 in SPEC_FULL.md), exploiting the
// spec's own bounded-staleness non-goal (spec §1 Non-goals).
package cache

import (
	"encoding/json"
	"time"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/logcario/logcar/internal/store"
)

// Cache is a fastcache-backed store.ReadCache. Entries are invalidated
// explicitly on every Create/Update/Delete (SPEC_FULL.md §4.6); fastcache
// itself never blocks on eviction, so staleness is bounded purely by those
// invalidation calls, never by cache capacity pressure.
type Cache struct {
	c *fastcache.Cache
}

// New creates a cache with the given byte capacity (SPEC_FULL.md §6,
// cache_bytes).
func New(maxBytes int) *Cache {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &Cache{c: fastcache.New(maxBytes)}
}

// entry is the wire shape stored in fastcache; fastcache only holds bytes,
// so records are JSON-encoded going in and out.
type entry struct {
	Op         store.Op  `json:"op"`
	Value      any       `json:"value"`
	Encrypted  bool      `json:"encrypted"`
	Timestamp  time.Time `json:"timestamp"`
	Incomplete bool      `json:"incomplete"`
}

// Get implements store.ReadCache.
func (c *Cache) Get(rid string) (store.Record, bool) {
	raw, ok := c.c.HasGet(nil, []byte(rid))
	if !ok {
		return store.Record{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return store.Record{}, false
	}
	return store.Record{
		RID:        rid,
		Op:         e.Op,
		Value:      e.Value,
		Encrypted:  e.Encrypted,
		Timestamp:  e.Timestamp,
		Incomplete: e.Incomplete,
	}, true
}

// Set implements store.ReadCache.
func (c *Cache) Set(rid string, rec store.Record) {
	raw, err := json.Marshal(entry{
		Op:         rec.Op,
		Value:      rec.Value,
		Encrypted:  rec.Encrypted,
		Timestamp:  rec.Timestamp,
		Incomplete: rec.Incomplete,
	})
	if err != nil {
		return
	}
	c.c.Set([]byte(rid), raw)
}

// Invalidate implements store.ReadCache.
func (c *Cache) Invalidate(rid string) {
	c.c.Del([]byte(rid))
}

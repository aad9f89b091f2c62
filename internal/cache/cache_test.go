package cache

import (
	"testing"
	"time"

	"github.com/logcario/logcar/internal/store"
)

func TestCacheSetGetRoundTrip(t *testing.T) {
	c := New(1 << 20)
	rec := store.Record{
		RID:       "rid-1",
		Op:        store.OpCreate,
		Value:     map[string]any{"a": float64(1)},
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
	c.Set("rid-1", rec)

	got, ok := c.Get("rid-1")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.Op != rec.Op || !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("got %+v want %+v", got, rec)
	}
}

func TestCacheMissReturnsFalse(t *testing.T) {
	c := New(1 << 20)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected a cache miss")
	}
}

func TestCacheInvalidateRemovesEntry(t *testing.T) {
	c := New(1 << 20)
	c.Set("rid-1", store.Record{RID: "rid-1", Value: "x"})
	c.Invalidate("rid-1")
	if _, ok := c.Get("rid-1"); ok {
		t.Fatal("expected entry to be gone after invalidation")
	}
}

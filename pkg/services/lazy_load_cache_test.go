package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "conn:schema:public:public:table", CacheKey("conn:schema:public", "public", models.KindTable))
	assert.Equal(t, "conn::schema", CacheKey("conn", "", models.KindSchema))
}

func TestLazyLoadCache_TTL(t *testing.T) {
	clock := newFakeClock()
	cache := NewLazyLoadCache(time.Minute, 0, clock.Now)
	conn := models.NewConnectionID()
	nodes := []models.LazyTreeNode{models.NewObjectNode(conn, "public", models.KindTable, "orders")}

	cache.Put("k", nodes, false)

	clock.Advance(59 * time.Second)
	got, hasMore, ok := cache.Get("k")
	require.True(t, ok)
	assert.False(t, hasMore)
	assert.Equal(t, nodes, got)

	clock.Advance(time.Second)
	_, _, ok = cache.Get("k")
	assert.False(t, ok, "entry expires at exactly the TTL")
	assert.Zero(t, cache.Len(), "expired entry is dropped on read")
}

func TestLazyLoadCache_ReturnsCopies(t *testing.T) {
	cache := NewLazyLoadCache(0, 0, nil)
	assert.Equal(t, DefaultCacheTTL, cache.TTL())
	conn := models.NewConnectionID()
	nodes := []models.LazyTreeNode{models.NewObjectNode(conn, "public", models.KindTable, "orders")}

	cache.Put("k", nodes, true)
	nodes[0].Name = "mutated after put"

	got, hasMore, ok := cache.Get("k")
	require.True(t, ok)
	assert.True(t, hasMore)
	assert.Equal(t, "orders", got[0].Name)

	got[0].Metadata["owner"] = "mutated after get"
	again, _, _ := cache.Get("k")
	assert.NotContains(t, again[0].Metadata, "owner")
}

func TestLazyLoadCache_InvalidatePrefix(t *testing.T) {
	cache := NewLazyLoadCache(time.Hour, 0, nil)
	a, b := models.NewConnectionID(), models.NewConnectionID()
	cache.Put(CacheKey(a.String(), "", models.KindSchema), nil, false)
	cache.Put(CacheKey(models.ObjectTypeNodeID(a, models.KindSchema, "public"), "public", models.KindTable), nil, false)
	cache.Put(CacheKey(b.String(), "", models.KindSchema), nil, false)

	assert.Equal(t, 2, cache.InvalidatePrefix(a.String()))
	assert.Equal(t, []string{CacheKey(b.String(), "", models.KindSchema)}, cache.Keys())
	assert.Equal(t, 1, cache.Clear())
	assert.Zero(t, cache.Len())
}

func TestLazyLoadCache_EvictsLeastRecentlyRead(t *testing.T) {
	clock := newFakeClock()
	cache := NewLazyLoadCache(time.Hour, 2, clock.Now)

	cache.Put("a", nil, false)
	clock.Advance(time.Second)
	cache.Put("b", nil, false)
	clock.Advance(time.Second)
	_, _, ok := cache.Get("a")
	require.True(t, ok)
	clock.Advance(time.Second)

	cache.Put("c", nil, false)
	assert.Equal(t, []string{"a", "c"}, cache.Keys())
}

func TestLazyLoadCache_Cleanup(t *testing.T) {
	clock := newFakeClock()
	cache := NewLazyLoadCache(time.Minute, 0, clock.Now)
	cache.Put("old", nil, false)
	clock.Advance(45 * time.Second)
	cache.Put("new", nil, false)
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, cache.Cleanup())
	assert.Equal(t, []string{"new"}, cache.Keys())
}

func TestLazyLoadCache_CommitAfterInvalidate(t *testing.T) {
	cache := NewLazyLoadCache(time.Minute, 0, nil)
	nodes := []models.LazyTreeNode{models.NewLazyTreeNode("n", "n", models.KindTable)}

	ticket := cache.Reserve("conn:a")
	_, ok := cache.Commit("conn:a", ticket, nodes, false)
	assert.True(t, ok)
	_, ok = cache.Commit("conn:a", ticket, nodes, false)
	assert.False(t, ok, "a ticket is good for one commit")

	ticket = cache.Reserve("conn:b")
	cache.InvalidatePrefix("conn")
	_, ok = cache.Commit("conn:b", ticket, nodes, false)
	assert.False(t, ok)

	ticket = cache.Reserve("other:c")
	cache.InvalidatePrefix("conn")
	_, ok = cache.Commit("other:c", ticket, nodes, false)
	assert.True(t, ok, "invalidating another prefix leaves the reservation")

	ticket = cache.Reserve("other:d")
	cache.Clear()
	_, ok = cache.Commit("other:d", ticket, nodes, false)
	assert.False(t, ok)

	ticket = cache.Reserve("other:e")
	cache.Release("other:e", ticket)
	_, ok = cache.Commit("other:e", ticket, nodes, false)
	assert.False(t, ok)
	assert.Zero(t, cache.Len())
}
